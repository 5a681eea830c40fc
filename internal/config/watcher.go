package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"engram/internal/logging"
)

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. Only callers that treat their keys as
// runtime-adjustable should subscribe; structural settings (paths,
// embedding dimensions) still require a restart.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Config)

	lastEvent   time.Time
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	// Reload counters, readable in tests.
	reloads int
	errors  int
}

// NewWatcher creates a watcher for the given config path. onReload runs on
// the watcher goroutine after every successful reload.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		path:        path,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // editors fire several writes per save
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.path); err != nil {
		// File may not exist yet; defaults are in effect until it does.
		logging.Get(logging.CategoryConfig).Warn("config watch failed (file may not exist): %v", err)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("error closing config watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			tooSoon := time.Since(w.lastEvent) < w.debounceDur
			w.lastEvent = time.Now()
			w.mu.Unlock()
			if tooSoon {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Error("config watcher: %v", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("config reload failed: %v", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return
	}

	logging.Get(logging.CategoryConfig).Info("config reloaded from %s", w.path)
	w.mu.Lock()
	w.reloads++
	cb := w.onReload
	w.mu.Unlock()

	if cb != nil {
		cb(cfg)
	}
}

// Reloads returns how many successful reloads have happened.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
