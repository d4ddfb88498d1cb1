package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fmueller/voxserve/internal/platform"
	"github.com/spf13/cobra"
)

// Settings is the optional on-disk configuration. Explicit flags always win
// over file values; absent fields keep their built-in defaults.
type Settings struct {
	Addr        string `json:"addr,omitempty"`
	Model       string `json:"model,omitempty"`
	ModelDir    string `json:"modelDir,omitempty"`
	Language    string `json:"language,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// loadSettings reads the settings file, returning zero settings when the
// file does not exist.
func loadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// applySettings folds file values under unchanged flags.
func (a *appState) applySettings(cmd *cobra.Command) error {
	path, err := platform.ResolveSettingsPath()
	if err != nil {
		return err
	}

	s, err := loadSettings(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if s.Addr != "" && !flags.Changed("addr") {
		a.addr = s.Addr
	}
	if s.Model != "" && !flags.Changed("model") {
		a.model = s.Model
	}
	if s.ModelDir != "" && !flags.Changed("model-dir") {
		a.modelDir = s.ModelDir
	}
	if s.Language != "" && !flags.Changed("language") {
		a.language = sanitizeLanguage(s.Language)
	}
	if s.Concurrency > 0 && !flags.Changed("concurrency") {
		a.concurrency = s.Concurrency
	}
	return nil
}
