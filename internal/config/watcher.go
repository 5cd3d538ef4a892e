package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully loaded and validated config.
// Consumers swap their own snapshots; the watcher never mutates a
// config it has already handed out.
type ReloadFunc func(cfg *Config)

// Watcher hot-reloads the config file. Detection tuning changes apply
// without a restart; an invalid file is logged and ignored, keeping the
// last good configuration live.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload ReloadFunc
	debounce time.Duration
}

// NewWatcher creates a Watcher for the given config path.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: path is required")
	}
	if onReload == nil {
		return nil, fmt.Errorf("config watcher: reload callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself so atomic rename-based rewrites
// (the common editor and configmap update pattern) are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	w.logger.Info("config watcher started", "path", w.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors and configmap updates fire bursts of events;
			// collapse them into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("reloaded config invalid, keeping previous configuration", "error", err)
		return
	}

	w.logger.Info("configuration reloaded", "path", w.path)
	w.onReload(cfg)
}
