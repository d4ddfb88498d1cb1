package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/server"
	"github.com/fmueller/voxserve/internal/store"
	"github.com/fmueller/voxserve/internal/transcribe"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

const shutdownGrace = 30 * time.Second

// runServe assembles the job engine and blocks until ctx is canceled or the
// listener fails.
func (a *appState) runServe(ctx context.Context) error {
	buildEngineFn := a.buildEngineFn
	if buildEngineFn == nil {
		buildEngineFn = a.buildEngine
	}
	ensureModelFn := a.ensureModelFn
	if ensureModelFn == nil {
		ensureModelFn = a.ensureModelAvailable
	}

	engine, err := buildEngineFn()
	if err != nil {
		return err
	}

	model, err := ensureModelFn(ctx)
	if err != nil {
		return err
	}

	uploadDir, err := a.uploadStagingDir()
	if err != nil {
		return err
	}

	audioStore, err := store.NewAudioStore(store.Options{
		Dir:      uploadDir,
		MaxBytes: a.maxUpload,
		Logger:   a.log(),
	})
	if err != nil {
		return err
	}

	registry := job.NewRegistry(job.RegistryOptions{
		Retention: a.jobRetention,
		Logger:    a.log(),
	})

	pipeline := &transcribe.Pipeline{
		Engine:      engine,
		Model:       model,
		Language:    a.language,
		SilenceGate: a.silenceGate,
		SilenceDBFS: a.silenceDBFS,
		Logger:      a.log(),
	}

	dispatcher := job.NewDispatcher(registry, job.DispatcherOptions{
		Run:         pipeline.Run,
		Release:     audioStore.Release,
		Concurrency: a.concurrency,
		JobTimeout:  a.jobTimeout,
		Logger:      a.log(),
	})

	svc := server.NewService(registry, dispatcher, audioStore, a.log())
	srv := server.New(a.addr, server.NewHandler(svc, a.log()), a.log())

	a.log().Info("voxserve starting",
		zap.String("addr", a.addr),
		zap.String("model", model.Path),
		zap.String("language", a.language),
		zap.Int("concurrency", a.concurrency),
		zap.Duration("job_timeout", a.jobTimeout))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log().Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		a.log().Warn("abandoning in-flight transcriptions", zap.Error(err))
	}
	return nil
}

// ensureModelAvailable resolves the configured model, downloading it when
// missing. The resolved model is shared by every job for the process
// lifetime.
func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.autoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxserve setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
