package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BundledEngine runs the whisper-cli binary shipped next to the server. One
// engine value is shared by all workers; each invocation spawns its own
// process, so concurrency is bounded only by the dispatch pool.
type BundledEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewBundledEngine locates the whisper-cli binary. The VOXSERVE_WHISPER_PATH
// environment variable overrides the bundled locations.
func NewBundledEngine(logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv("VOXSERVE_WHISPER_PATH")); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("VOXSERVE_WHISPER_PATH is not executable: %w", err)
		}
		return &BundledEngine{Executable: override, Logger: logger}, nil
	}

	serverExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxserve executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(serverExe)
	if err != nil {
		return nil, err
	}

	return &BundledEngine{Executable: whisperExe, Logger: logger}, nil
}

// ResolveBundledEnginePath returns the first executable engine candidate
// near the server binary.
func ResolveBundledEnginePath(serverExecutable string) (string, error) {
	for _, candidate := range enginePathCandidates(serverExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s; reinstall voxserve from an official release or set VOXSERVE_WHISPER_PATH, expected at ../libexec/whisper/%s", serverExecutable, engineBinaryName())
}

func enginePathCandidates(serverExecutable string) []string {
	binDir := filepath.Dir(serverExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, engineName),
	}
}

// Transcribe runs one whisper-cli invocation and returns the transcript.
func (b *BundledEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return "", errors.New("model path is required")
	}

	if err := ensureExecutable(b.Executable); err != nil {
		return "", fmt.Errorf("bundled whisper engine missing or not executable: %w", err)
	}

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("voxserve-%d", time.Now().UnixNano()))
	txtOut := outBase + ".txt"

	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-nt", "-otxt", "-of", outBase}
	lang := strings.TrimSpace(req.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}

	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	b.Logger.Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return "", fmt.Errorf("bundled whisper engine at %s is missing required shared libraries (%s); reinstall voxserve from an official release or rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText)
		}
		return "", fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	defer os.Remove(txtOut)
	content, err := os.ReadFile(txtOut)
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}
