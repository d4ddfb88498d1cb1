// Package store holds uploaded audio payloads for the lifetime of their job.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrPayloadTooLarge is returned by Put before any data is staged.
	ErrPayloadTooLarge = errors.New("payload exceeds configured maximum")

	// ErrNotFound is returned for unknown or already released ids.
	ErrNotFound = errors.New("audio payload not found")
)

// DefaultMaxBytes caps one uploaded payload at 100 MiB.
const DefaultMaxBytes = 100 << 20

type entry struct {
	path        string
	contentType string
	size        int64
}

// AudioStore stages uploaded payloads on disk, keyed by job id, so the
// engine can consume a file path. An entry lives until it is released after
// its job reaches a terminal state; nothing survives a restart.
type AudioStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	dir      string
	maxBytes int64
	logger   *zap.Logger
}

// Options configures payload staging.
type Options struct {
	// Dir is the staging directory. Required.
	Dir string

	// MaxBytes caps one payload; DefaultMaxBytes when zero.
	MaxBytes int64

	Logger *zap.Logger
}

// NewAudioStore creates the staging directory and an empty store.
func NewAudioStore(opts Options) (*AudioStore, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", opts.Dir, err)
	}

	return &AudioStore{
		entries:  make(map[string]*entry),
		dir:      opts.Dir,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
	}, nil
}

// MaxBytes reports the configured payload cap.
func (s *AudioStore) MaxBytes() int64 {
	return s.maxBytes
}

// Put stages a payload under id. The size cap is enforced before anything
// touches disk so oversize uploads are rejected without wasted work. The
// file extension follows the detected format so the engine can decode it.
func (s *AudioStore) Put(id string, data []byte, contentType, ext string) error {
	if int64(len(data)) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(data), s.maxBytes)
	}

	path := filepath.Join(s.dir, id+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("stage payload: %w", err)
	}

	s.mu.Lock()
	s.entries[id] = &entry{path: path, contentType: contentType, size: int64(len(data))}
	s.mu.Unlock()

	s.logger.Debug("payload staged", zap.String("job", id), zap.Int("bytes", len(data)), zap.String("contentType", contentType))
	return nil
}

// Get reads back a staged payload and its declared content type.
func (s *AudioStore) Get(id string) ([]byte, string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil, "", ErrNotFound
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, "", fmt.Errorf("read staged payload: %w", err)
	}
	return data, e.contentType, nil
}

// Path returns the staged file's location for the engine.
func (s *AudioStore) Path(id string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return "", ErrNotFound
	}
	return e.path, nil
}

// Release drops the payload for id. Releasing an unknown or already
// released id is a no-op.
func (s *AudioStore) Release(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove staged payload", zap.String("path", e.path), zap.Error(err))
	}
}

// Len reports the number of staged payloads.
func (s *AudioStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
