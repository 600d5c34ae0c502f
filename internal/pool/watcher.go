package pool

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yansir/cc-rotator/internal/store"
)

// Watcher hot-reloads the pool when the legacy accounts file changes on
// disk. It watches the parent directory because most editors replace the
// file rather than write it in place.
type Watcher struct {
	path    string
	pool    *Pool
	store   *store.Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

const debounceDelay = 500 * time.Millisecond

func NewWatcher(path string, p *Pool, st *store.Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:    path,
		pool:    p,
		store:   st,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Run consumes filesystem events until ctx is cancelled. Bursts of events
// for the same save are coalesced with a short debounce.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("accounts file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	imported, err := w.store.MigrateLegacyAccounts(ctx, w.path)
	if err != nil {
		slog.Error("accounts file import failed", "path", w.path, "error", err)
		return
	}
	if err := w.pool.Reload(ctx); err != nil {
		slog.Error("pool reload failed", "error", err)
		return
	}
	slog.Info("accounts file reloaded", "path", w.path, "imported", imported)
}

// Close stops the underlying watcher and waits for Run to return.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
