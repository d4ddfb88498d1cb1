package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, run job.RunFunc, maxBytes int64) (http.Handler, *Service) {
	t.Helper()

	svc, _ := newTestService(t, run, maxBytes)
	return NewHandler(svc, nil), svc
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeJSON[T any](t *testing.T, body io.Reader) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestUploadMultipartReturnsJobID(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "hello", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload()))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeJSON[map[string]string](t, rec.Body)
	require.NotEmpty(t, resp["jobId"])
}

func TestUploadRawBodyReturnsJobID(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "hello", nil
	}, store.DefaultMaxBytes)

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(wavPayload()))
	req.Header.Set("Content-Type", "audio/wav")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[map[string]string](t, rec.Body)
	require.NotEmpty(t, resp["jobId"])
}

func TestUploadUnsupportedFormat(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "notes.txt", "text/plain", []byte("hello world")))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[errorBody](t, rec.Body)
	require.Equal(t, job.KindUnsupportedFormat, resp.Kind)
}

func TestUploadPayloadTooLarge(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, 32)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload(make([]byte, 256)...)))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	resp := decodeJSON[errorBody](t, rec.Body)
	require.Equal(t, job.KindPayloadTooLarge, resp.Kind)
}

func TestUploadMissingFormField(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("audio", "not a file part"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[errorBody](t, rec.Body)
	require.Equal(t, job.KindNotFound, resp.Kind)
}

func TestStatusAndResultLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	handler, svc := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		<-release
		return "done at last", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload()))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON[map[string]string](t, rec.Body)["jobId"]

	// Result is not available before the worker finishes.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	close(release)
	pollUntil(t, svc, id, job.StateDone)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[Status](t, rec.Body)
	require.Equal(t, job.StateDone, status.State)
	require.Equal(t, 100, status.Progress.Percent)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "done at last", decodeJSON[map[string]string](t, rec.Body)["text"])
}

func TestResultOfFailedJobOverHTTP(t *testing.T) {
	t.Parallel()

	handler, svc := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", errors.New("decode error")
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload()))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON[map[string]string](t, rec.Body)["jobId"]

	pollUntil(t, svc, id, job.StateFailed)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeJSON[errorBody](t, rec.Body)
	require.Equal(t, job.KindEngineFailure, resp.Kind)
	require.Contains(t, resp.Error, "decode error")
}

func TestDownloadTranscriptOverHTTP(t *testing.T) {
	t.Parallel()

	handler, svc := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "the full transcript", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload()))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON[map[string]string](t, rec.Body)["jobId"]

	pollUntil(t, svc, id, job.StateDone)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/"+id, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Regexp(t, `^attachment; filename="transcript_\d{8}T\d{6}Z\.txt"$`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "the full transcript", rec.Body.String())
}

func TestDownloadUnknownJob(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexServesUploadPage(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "<html")
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeJSON[map[string]string](t, rec.Body)["status"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, func(context.Context, string, func(int, string)) (string, error) {
		return "", nil
	}, store.DefaultMaxBytes)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/upload", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSingleWorkerQueuesSecondUpload(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	registry := job.NewRegistry(job.RegistryOptions{})
	audioStore, err := store.NewAudioStore(store.Options{Dir: t.TempDir(), MaxBytes: store.DefaultMaxBytes})
	require.NoError(t, err)

	dispatcher := job.NewDispatcher(registry, job.DispatcherOptions{
		Run: func(context.Context, string, func(int, string)) (string, error) {
			<-release
			return "ok", nil
		},
		Release:     audioStore.Release,
		Concurrency: 1,
		JobTimeout:  5 * time.Second,
	})
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	svc := NewService(registry, dispatcher, audioStore, nil)
	handler := NewHandler(svc, nil)

	ids := make([]string, 2)
	for i := range ids {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, multipartUpload(t, "clip.wav", "audio/wav", wavPayload()))
		require.Equal(t, http.StatusOK, rec.Code)
		ids[i] = decodeJSON[map[string]string](t, rec.Body)["jobId"]
	}

	// One job grabs the only slot, the other stays queued until it frees up.
	states := func() (map[job.State]int, error) {
		counts := make(map[job.State]int)
		for _, id := range ids {
			status, err := svc.PollStatus(id)
			if err != nil {
				return nil, err
			}
			counts[status.State]++
		}
		return counts, nil
	}

	require.Eventually(t, func() bool {
		counts, err := states()
		return err == nil && counts[job.StateProcessing] == 1
	}, 5*time.Second, 5*time.Millisecond)

	counts, err := states()
	require.NoError(t, err)
	require.Equal(t, 1, counts[job.StateQueued])

	close(release)
	pollUntil(t, svc, ids[0], job.StateDone)
	pollUntil(t, svc, ids[1], job.StateDone)
}
