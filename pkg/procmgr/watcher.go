package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExecWatcher posts RESTART for a class when its executable changes on disk.
// Directories are watched rather than files so that installs which rename a
// new binary into place are seen.
type ExecWatcher struct {
	watcher  *fsnotify.Watcher
	poster   Poster
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	classes map[string][]ClassID
	dirs    map[string]bool
}

// NewExecWatcher creates a watcher posting to poster. Bursts of events for
// one executable within debounce produce a single RESTART.
func NewExecWatcher(poster Poster, debounce time.Duration, logger *slog.Logger) (*ExecWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &ExecWatcher{
		watcher:  w,
		poster:   poster,
		debounce: debounce,
		logger:   logger.With("component", "exec-watcher"),
		classes:  make(map[string][]ClassID),
		dirs:     make(map[string]bool),
	}, nil
}

// Watch adds the executable of id
func (w *ExecWatcher) Watch(id ClassID) error {
	path := filepath.Clean(id.Path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	if !slices.Contains(w.classes[path], id) {
		w.classes[path] = append(w.classes[path], id)
		w.logger.Debug("watching executable", "class", id.Path)
	}
	return nil
}

func (w *ExecWatcher) classesFor(path string) []ClassID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.classes[path])
}

// Run is the event loop; it returns when ctx is done
func (w *ExecWatcher) Run(ctx context.Context) error {
	var debounce *time.Timer
	var fire <-chan time.Time
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := filepath.Clean(event.Name)
			if len(w.classesFor(path)) == 0 {
				continue
			}
			w.logger.Debug("executable changed", "path", path, "op", event.Op.String())
			pending[path] = true
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			for path := range pending {
				w.restart(path)
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *ExecWatcher) restart(path string) {
	for _, id := range w.classesFor(path) {
		if err := w.poster.Post(Message{Op: OpRestart, Class: id}); err != nil {
			w.logger.Warn("failed to post restart", "class", id.Path, "error", err)
			continue
		}
		w.logger.Info("executable changed, restart requested", "class", id.Path)
	}
}

// Close stops watching
func (w *ExecWatcher) Close() error {
	return w.watcher.Close()
}
