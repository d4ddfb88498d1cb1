// Package server exposes the job engine over a polling HTTP API.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/store"
	"go.uber.org/zap"
)

// ErrNotReady is returned when a result is requested before the job has
// reached a terminal state.
var ErrNotReady = errors.New("transcription not ready")

// ErrUnsupportedFormat rejects uploads whose container cannot be identified.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Upload is one incoming audio payload.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Status is the poll response for one job.
type Status struct {
	State    job.State    `json:"state"`
	Progress job.Progress `json:"progress"`
}

// Service maps API operations onto the registry, store, and dispatcher. It
// holds the only references to them; handlers never reach around it.
type Service struct {
	registry   *job.Registry
	dispatcher *job.Dispatcher
	audio      *store.AudioStore
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the facade.
func NewService(registry *job.Registry, dispatcher *job.Dispatcher, audioStore *store.AudioStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:   registry,
		dispatcher: dispatcher,
		audio:      audioStore,
		logger:     logger,
		now:        time.Now,
	}
}

// MaxUploadBytes reports the configured payload cap for transport limits.
func (s *Service) MaxUploadBytes() int64 {
	return s.audio.MaxBytes()
}

// AcceptUpload validates the payload, creates a queued job, stages the
// audio, and hands the job to the dispatcher. Validation failures are
// synchronous and never create a job.
func (s *Service) AcceptUpload(upload Upload) (string, error) {
	if int64(len(upload.Data)) > s.audio.MaxBytes() {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", store.ErrPayloadTooLarge, len(upload.Data), s.audio.MaxBytes())
	}

	format := audio.DetectFormat(upload.Data, upload.ContentType, upload.Filename)
	if format == audio.FormatUnknown {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, upload.ContentType)
	}

	jb := s.registry.Create()
	if err := s.audio.Put(jb.ID, upload.Data, upload.ContentType, format.Ext()); err != nil {
		s.failBeforeDispatch(jb.ID, err)
		return "", fmt.Errorf("stage upload: %w", err)
	}

	audioPath, err := s.audio.Path(jb.ID)
	if err != nil {
		s.failBeforeDispatch(jb.ID, err)
		return "", fmt.Errorf("stage upload: %w", err)
	}

	if err := s.dispatcher.Submit(jb.ID, audioPath); err != nil {
		s.audio.Release(jb.ID)
		s.failBeforeDispatch(jb.ID, err)
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.logger.Info("upload accepted",
		zap.String("job", jb.ID),
		zap.String("filename", upload.Filename),
		zap.String("format", string(format)),
		zap.Int("bytes", len(upload.Data)))
	return jb.ID, nil
}

// PollStatus returns the job's current state and progress.
func (s *Service) PollStatus(id string) (Status, error) {
	jb, err := s.registry.Get(id)
	if err != nil {
		return Status{}, err
	}
	return Status{State: jb.State, Progress: jb.Progress}, nil
}

// FetchResult returns the transcript of a done job. Non-terminal jobs yield
// ErrNotReady; failed jobs yield their structured error.
func (s *Service) FetchResult(id string) (string, error) {
	jb, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}

	switch jb.State {
	case job.StateDone:
		return jb.Result, nil
	case job.StateFailed:
		return "", jb.Err
	default:
		return "", ErrNotReady
	}
}

// DownloadResult packages the transcript as a UTF-8 text attachment. The
// filename is derived from the job's completion timestamp.
func (s *Service) DownloadResult(id string) (string, []byte, error) {
	jb, err := s.registry.Get(id)
	if err != nil {
		return "", nil, err
	}

	switch jb.State {
	case job.StateDone:
		return transcriptFilename(jb.CompletedAt), []byte(jb.Result), nil
	case job.StateFailed:
		return "", nil, jb.Err
	default:
		return "", nil, ErrNotReady
	}
}

// failBeforeDispatch closes out a job whose payload never reached a worker.
// No worker owns the job yet, so the service drives it to failed itself to
// keep pollers from observing a permanently queued job.
func (s *Service) failBeforeDispatch(id string, cause error) {
	if err := s.registry.Start(id); err != nil {
		s.logger.Error("abandon job", zap.String("job", id), zap.Error(err))
		return
	}
	if err := s.registry.Fail(id, job.NewError(job.KindInternal, "upload staging failed: %v", cause)); err != nil {
		s.logger.Error("abandon job", zap.String("job", id), zap.Error(err))
	}
}

func transcriptFilename(completedAt time.Time) string {
	return "transcript_" + completedAt.UTC().Format("20060102T150405Z") + ".txt"
}
