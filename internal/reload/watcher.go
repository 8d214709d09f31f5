// Package reload re-reads relay's JSON state files when they change on disk.
package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/logging"
)

// Handler reloads one file. It receives the file's full path.
type Handler func(path string) error

// Watcher dispatches file changes in one directory to per-file handlers.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	reloads  int

	ready chan struct{}
}

// New creates a watcher for dir. Bursts of events for the same file within
// debounce collapse into one reload.
func New(dir string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logging.OrNop(logger).Named("reload"),
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		ready:    make(chan struct{}),
	}
}

// Handle registers h for the file called name inside the watched directory.
func (w *Watcher) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Ready is closed once the directory is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Reloads returns how many handler calls have completed.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the files so that atomic rename-over saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	close(w.ready)
	w.logger.Debug("watching config files", zap.String("dir", w.dir))

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(filepath.Base(event.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.handlers[name]; !ok {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() { w.fire(name) })
}

func (w *Watcher) fire(name string) {
	w.mu.Lock()
	h := w.handlers[name]
	delete(w.timers, name)
	w.mu.Unlock()

	path := filepath.Join(w.dir, name)
	if err := h(path); err != nil {
		w.logger.Warn("reload failed, defaults in effect", zap.String("file", name), zap.Error(err))
	} else {
		w.logger.Info("reloaded", zap.String("file", name))
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
}
