package job

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id is unknown or already evicted.
var ErrNotFound = errors.New("job not found")

// Kind classifies a job failure for API clients.
type Kind string

const (
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindEngineFailure     Kind = "engine_failure"
	KindTimeout           Kind = "timeout"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error is a structured failure description published with a failed job.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a job error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a structured job error, wrapping unknown failures as
// engine failures so a worker never publishes a raw error to pollers.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}

	return &Error{Kind: KindEngineFailure, Message: err.Error()}
}
