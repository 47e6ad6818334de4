package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the previous and the newly loaded config.
type ChangeFunc func(prev, next Config)

// Watcher reloads the manager's YAML file when it changes and hands
// valid results to a ChangeFunc. Bursts of writes are coalesced.
type Watcher struct {
	manager  *Manager
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for m's config file.
func NewWatcher(m *Manager, onChange ChangeFunc) (*Watcher, error) {
	if m.FilePath() == "" {
		return nil, errors.New("no config file to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		manager:  m,
		onChange: onChange,
		watcher:  fw,
		debounce: 100 * time.Millisecond,
		logger:   slog.With("component", "config-watcher"),
	}, nil
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file atomically are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.manager.FilePath()
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		_ = w.watcher.Close()
		return err
	}
	w.logger.Info("Watching config file", "file", path)

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("Error closing watcher", "error", err)
		}
	}()

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	prev := w.manager.Get()
	next, err := w.manager.Load()
	if err != nil {
		w.logger.Error("Config reload rejected", "error", err)
		return
	}
	w.logger.Info("Config reloaded")
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}

// ThresholdSetter is satisfied by the memory governor.
type ThresholdSetter interface {
	SetThreshold(f float64)
}

// ApplyRuntime returns a ChangeFunc that retunes the log level and the
// governor cleanup threshold. Changes to any other setting are logged
// and take effect on restart.
func ApplyRuntime(level *slog.LevelVar, gov ThresholdSetter) ChangeFunc {
	return func(prev, next Config) {
		if level != nil && prev.Log.Level != next.Log.Level {
			level.Set(next.Log.SlogLevel())
			slog.Info("Log level changed", "component", "config", "level", next.Log.Level)
		}
		if gov != nil && prev.Governor.CleanupThreshold != next.Governor.CleanupThreshold {
			gov.SetThreshold(next.Governor.CleanupThreshold)
			slog.Info("Cleanup threshold changed", "component", "config", "threshold", next.Governor.CleanupThreshold)
		}
		if RequiresRestart(prev, next) {
			slog.Warn("Config changes outside log.level and governor.cleanup_threshold apply on restart", "component", "config")
		}
	}
}

// RequiresRestart reports whether prev and next differ in anything other
// than the hot-reloadable settings.
func RequiresRestart(prev, next Config) bool {
	prev.Log.Level, next.Log.Level = "", ""
	prev.Governor.CleanupThreshold, next.Governor.CleanupThreshold = 0, 0
	return !reflect.DeepEqual(prev, next)
}
