package secrets

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// AllowlistWatcher reloads an allowlist file into a Scrubber whenever it
// changes on disk. The parent directory is watched so editors that replace
// the file by rename are still picked up.
type AllowlistWatcher struct {
	path     string
	scrubber *Scrubber
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	reloaded chan struct{}
}

// NewAllowlistWatcher creates a watcher for path. Call Start to begin.
func NewAllowlistWatcher(path string, scrubber *Scrubber, logger *zap.Logger) (*AllowlistWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &AllowlistWatcher{
		path:     filepath.Clean(path),
		scrubber: scrubber,
		logger:   logger,
		watcher:  w,
		stop:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Start performs an initial load and then watches for changes until ctx is
// done or Stop is called.
func (w *AllowlistWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *AllowlistWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Reloaded signals after each successful reload triggered by a file event.
func (w *AllowlistWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *AllowlistWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := w.reload(); err != nil {
				// Keep the previous allowlist active.
				w.logger.Warn("allowlist reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("allowlist reloaded", zap.String("path", w.path))
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("allowlist watcher error", zap.Error(err))
		}
	}
}

func (w *AllowlistWatcher) reload() error {
	a, err := LoadAllowlist(w.path)
	if err != nil {
		return err
	}
	return w.scrubber.SetAllowlist(a)
}
