package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current configuration. Readers take a snapshot with
// Get; a snapshot is never mutated, so a session started with one keeps it
// even if the file is reloaded mid-recording.
type Holder struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewHolder creates a holder for cfg loaded from path. path may be empty
// when the configuration did not come from a file.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h
}

// Get returns the current configuration snapshot
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Path returns the file the configuration was loaded from
func (h *Holder) Path() string {
	return h.path
}

// OnChange registers fn to run after every successful reload
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the file. An invalid file leaves the current configuration
// in place and returns the error.
func (h *Holder) Reload() error {
	if h.path == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.current.Store(cfg)

	h.mu.Lock()
	listeners := make([]func(*Config), len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever its file is written or replaced,
// until ctx is canceled. The parent directory is watched so editors that
// save via rename are picked up.
func (h *Holder) Watch(ctx context.Context, logger *slog.Logger) error {
	if h.path == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}

	target := filepath.Clean(h.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := h.Reload(); err != nil {
				logger.Warn("Ignoring invalid configuration change",
					slog.String("path", h.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("Configuration reloaded", slog.String("path", h.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
