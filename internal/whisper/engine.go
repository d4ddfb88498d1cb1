// Package whisper wraps the bundled offline speech-to-text engine.
package whisper

import "context"

// TranscriptionRequest names the audio file and model for one invocation.
type TranscriptionRequest struct {
	AudioPath string
	ModelPath string
	Language  string
}

// Engine is the speech-to-text black box consumed by workers. Transcribe
// blocks for the duration of the inference and honors ctx cancellation on a
// best-effort basis.
type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}
