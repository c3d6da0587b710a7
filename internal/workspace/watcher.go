package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/sandpit/internal/log"
)

// Watcher drops workspace records whose sandbox directory is removed from
// outside the manager. Requests still detect a vanished directory lazily;
// the watcher only makes snapshots accurate sooner.
type Watcher struct {
	m       *Manager
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher watches m's root directory.
func NewWatcher(m *Manager) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create root watcher: %w", err)
	}
	if err := w.Add(m.root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch workspace root %s: %w", m.root, err)
	}
	return &Watcher{m: m, watcher: w, logger: log.WithComponent("workspace-watcher")}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching workspace root", "root", w.m.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("workspace root watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if filepath.Dir(event.Name) != w.m.root {
		return
	}
	userID := filepath.Base(event.Name)
	r := w.m.lookup(userID)
	if r == nil || dirExists(r.dir) {
		// Reprovisioned since, or never ours.
		return
	}
	if w.m.forget(userID) {
		w.logger.Warn("sandbox removed externally, workspace dropped", "user_id", userID)
	}
}
