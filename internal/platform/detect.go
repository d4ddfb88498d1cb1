// Package platform resolves per-OS data directories.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultModelDirFor returns the model storage directory for goos.
func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

// DefaultUploadDirFor returns the staging directory for uploaded audio.
func DefaultUploadDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "uploads"), nil
}

// ResolveModelDir resolves the model directory, honoring an override.
func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveUploadDir resolves the upload staging directory.
func ResolveUploadDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultUploadDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveSettingsPath returns the location of the optional settings file.
func ResolveSettingsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	dataDir, err := defaultDataDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "settings.json"), nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, "voxserve"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "voxserve"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "voxserve"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
