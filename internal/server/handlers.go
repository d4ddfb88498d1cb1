package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/store"
	"go.uber.org/zap"
)

// uploadFormField is the multipart field carrying the audio file.
const uploadFormField = "file"

type handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler builds the HTTP routing for the API surface.
func NewHandler(svc *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /status/{jobID}", h.handleStatus)
	mux.HandleFunc("GET /result/{jobID}", h.handleResult)
	mux.HandleFunc("GET /download/{jobID}", h.handleDownload)

	return h.logRequests(mux)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jobID, err := h.svc.AcceptUpload(upload)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.PollStatus(r.PathValue("jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handleResult(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.FetchResult(r.PathValue("jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	filename, data, err := h.svc.DownloadResult(r.PathValue("jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readUpload accepts either a multipart form with a "file" field or a raw
// body. The transport cap sits one byte above the store's limit so oversize
// payloads are cut off without buffering them whole.
func (h *handler) readUpload(w http.ResponseWriter, r *http.Request) (Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxUploadBytes()+1)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile(uploadFormField)
		if err != nil {
			if isBodyTooLarge(err) {
				return Upload{}, store.ErrPayloadTooLarge
			}
			return Upload{}, fmt.Errorf("%w: missing %q form field", ErrUnsupportedFormat, uploadFormField)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			if isBodyTooLarge(err) {
				return Upload{}, store.ErrPayloadTooLarge
			}
			return Upload{}, fmt.Errorf("read upload: %w", err)
		}

		return Upload{
			Data:        data,
			ContentType: header.Header.Get("Content-Type"),
			Filename:    header.Filename,
		}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			return Upload{}, store.ErrPayloadTooLarge
		}
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}

	return Upload{Data: data, ContentType: mediaType}, nil
}

type errorBody struct {
	Error string   `json:"error"`
	Kind  job.Kind `json:"kind,omitempty"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var jobErr *job.Error

	switch {
	case errors.Is(err, job.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found", Kind: job.KindNotFound})
	case errors.Is(err, store.ErrPayloadTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error(), Kind: job.KindPayloadTooLarge})
	case errors.Is(err, ErrUnsupportedFormat):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: job.KindUnsupportedFormat})
	case errors.Is(err, ErrNotReady):
		writeJSON(w, http.StatusAccepted, errorBody{Error: "transcription not ready; poll status and retry"})
	case errors.As(err, &jobErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: jobErr.Message, Kind: jobErr.Kind})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: job.KindInternal})
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}
