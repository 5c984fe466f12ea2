package deck

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// ReloadFunc receives every successfully loaded replacement deck.
type ReloadFunc func(*domain.Deck)

// Watcher reloads the deck file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onReload: onReload,
		logger:   logger,
	}
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors replacing the file via rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			w.logger.Debug("Failed to close fs watcher", "error", closeErr)
		}
	}()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve deck path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("Deck watcher started", "path", abs)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Deck watcher shutting down", "reason", ctx.Err())
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Deck watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	d, err := Load(w.path)
	if err != nil {
		// Keep serving the previous deck.
		w.logger.Error("Deck reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Deck reloaded", "deck_id", d.ID, "slides", d.Len())
	w.onReload(d)
}
