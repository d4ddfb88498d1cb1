// Package transcribe turns one staged audio file into a transcript.
package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

// Pipeline binds the shared engine and resolved model to the dispatch pool.
// The model is resolved once at startup; every job reuses it.
type Pipeline struct {
	Engine      whisper.Engine
	Model       whisper.ResolvedModel
	Language    string
	SilenceGate bool
	SilenceDBFS float64
	Logger      *zap.Logger
}

// Run executes one transcription. Near-silent WAV uploads skip the engine
// and complete with an empty transcript; silence analysis failures fall
// through to the engine rather than failing the job.
func (p *Pipeline) Run(ctx context.Context, audioPath string, progress func(percent int, phase string)) (string, error) {
	progress(30, job.PhaseStaging)

	if skipped := p.gateSilentWAV(audioPath); skipped {
		return "", nil
	}

	progress(50, job.PhaseModelReady)
	progress(70, job.PhaseTranscribing)

	transcript, err := p.Engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath: audioPath,
		ModelPath: p.Model.Path,
		Language:  p.Language,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(transcript), nil
}

func (p *Pipeline) gateSilentWAV(audioPath string) bool {
	if !p.SilenceGate || !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		return false
	}

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return false
	}

	silent, metrics, err := audio.IsSilentWAV(data, p.SilenceDBFS)
	if err != nil {
		p.log().Warn("silence gate analysis failed; continuing transcription", zap.Error(err), zap.String("audio", audioPath))
		return false
	}

	if !silent {
		return false
	}

	p.log().Info(
		"audio considered silent; skipping engine invocation",
		zap.String("audio", audioPath),
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", p.SilenceDBFS),
	)
	return true
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
