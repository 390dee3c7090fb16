package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is called after the config file changed and reloaded
// cleanly. prev is the config in effect before the change.
type ChangeHandler func(prev, next *Config)

// Watcher watches a config file for changes and reloads it.
// Changes are debounced (300ms) to avoid rapid reloads.
//
// The parent directory is watched rather than the file so editors that
// save by rename keep triggering reloads.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	current  *Config
	handlers []ChangeHandler
	timer    *time.Timer

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWatcher creates a watcher for path. current is the config in effect now.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  w,
		debounce: 300 * time.Millisecond,
		current:  current,
		stopChan: make(chan struct{}),
	}, nil
}

// OnChange registers a handler to be called when config changes.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Current returns the most recently loaded config.
func (cw *Watcher) Current() *Config {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.current
}

// Start begins watching the config file for changes.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}
	go cw.watchLoop()
	slog.Info("config watcher started", "path", cw.path)
	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()

		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
		slog.Info("config watcher stopped")
	})
}

func (cw *Watcher) watchLoop() {
	for {
		select {
		case <-cw.stopChan:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cw.mu.Lock()
			if cw.timer != nil {
				cw.timer.Stop()
			}
			cw.timer = time.AfterFunc(cw.debounce, cw.reload)
			cw.mu.Unlock()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	select {
	case <-cw.stopChan:
		return
	default:
	}
	slog.Info("config file changed, reloading", "path", cw.path)

	next, err := Load(cw.path)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}

	cw.mu.Lock()
	prev := cw.current
	cw.current = next
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(prev, next)
	}
	slog.Info("config reloaded successfully")
}

// ConnectionChanged reports whether the server URL or token differs.
func ConnectionChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return prev.ServerURL != next.ServerURL || prev.Token != next.Token
}
