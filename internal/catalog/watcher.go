package catalog

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the store when catalog files change on disk. Editors
// and config-map updates produce bursts of events, so reloads are
// debounced; a reload that fails validation is logged and the previous
// snapshot stays live.
type Watcher struct {
	logger   *logrus.Logger
	store    *Store
	path     string
	debounce time.Duration
}

// NewWatcher creates a watcher for the catalog path.
func NewWatcher(logger *logrus.Logger, store *Store, path string) *Watcher {
	return &Watcher{
		logger:   logger,
		store:    store,
		path:     path,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. Blocking; callers run it in its
// own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}
	w.logger.WithField("path", w.path).Info("Watching catalog for changes")

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Catalog watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := w.store.Reload(w.path); err != nil {
				w.logger.WithError(err).Warn("Catalog change detected but reload failed")
			}
		}
	}
}
