package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/job"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/store"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose      bool
	jsonLogs     bool
	noProgress   bool
	addr         string
	model        string
	modelDir     string
	uploadDir    string
	language     string
	autoDownload bool
	maxUpload    int64
	concurrency  int
	jobTimeout   time.Duration
	jobRetention time.Duration
	silenceGate  bool
	silenceDBFS  float64

	logger *zap.Logger
	out    io.Writer

	buildEngineFn func() (whisper.Engine, error)
	ensureModelFn func(ctx context.Context) (whisper.ResolvedModel, error)
	serveFn       func(ctx context.Context) error
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		addr:         "127.0.0.1:8080",
		model:        whisper.DefaultModel,
		language:     "auto",
		autoDownload: true,
		maxUpload:    store.DefaultMaxBytes,
		concurrency:  job.DefaultConcurrency,
		jobTimeout:   job.DefaultJobTimeout,
		jobRetention: job.DefaultRetention,
		silenceGate:  true,
		silenceDBFS:  -65,
		out:          os.Stdout,
	}
	app.buildEngineFn = app.buildEngine
	app.ensureModelFn = app.ensureModelAvailable
	app.serveFn = app.runServe

	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve a local audio transcription API backed by a bundled whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			app.language = sanitizeLanguage(app.language)
			return app.applySettings(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			serveFn := app.serveFn
			if serveFn == nil {
				serveFn = app.runServe
			}
			return serveFn(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindLanguageAndModelDownloadFlags(cmd, app)
	bindServerFlags(cmd, app)
	bindJobFlags(cmd, app)
	bindSilenceFlags(cmd, app)

	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable download progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Model name or model file path")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
}

func bindLanguageAndModelDownloadFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
}

func bindServerFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.addr, "addr", app.addr, "Listen address for the HTTP API")
	cmd.Flags().StringVar(&app.uploadDir, "upload-dir", app.uploadDir, "Directory where uploads are staged")
	cmd.Flags().Int64Var(&app.maxUpload, "max-upload-bytes", app.maxUpload, "Maximum accepted upload size in bytes")
}

func bindJobFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().IntVar(&app.concurrency, "concurrency", app.concurrency, "Maximum parallel engine invocations")
	cmd.Flags().DurationVar(&app.jobTimeout, "job-timeout", app.jobTimeout, "Ceiling on one transcription, e.g. 10m")
	cmd.Flags().DurationVar(&app.jobRetention, "job-retention", app.jobRetention, "How long finished jobs stay pollable")
}

func bindSilenceFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent WAV uploads and skip the engine")
	cmd.Flags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

func (a *appState) buildEngine() (whisper.Engine, error) {
	return whisper.NewBundledEngine(a.log())
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.modelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) uploadStagingDir() (string, error) {
	if strings.TrimSpace(a.uploadDir) != "" {
		return a.uploadDir, nil
	}
	return platform.ResolveUploadDir()
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
