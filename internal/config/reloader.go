package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches a config file and re-parses it on change. A reload that
// fails validation is discarded; the previous config stays active.
type Reloader struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
	onError func(error)

	mu      sync.RWMutex
	current *Config

	done chan struct{}
	once sync.Once
}

// NewReloader loads the file once and starts watching it. onLoad is called
// with every successfully loaded config, including the initial one; onError
// is called for failed reloads. Either callback may be nil.
func NewReloader(path string, onLoad func(*Config), onError func(error)) (*Reloader, error) {
	initial, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config maps replace the
	// file, which would orphan a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	r := &Reloader{
		path:    path,
		watcher: watcher,
		onLoad:  onLoad,
		onError: onError,
		current: initial,
		done:    make(chan struct{}),
	}
	if r.onLoad != nil {
		r.onLoad(initial)
	}

	go r.watch()
	return r, nil
}

// Current returns the most recently loaded valid config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Close stops watching.
func (r *Reloader) Close() error {
	r.once.Do(func() { close(r.done) })
	return r.watcher.Close()
}

func (r *Reloader) watch() {
	// Debounce bursts: a single save often produces several events.
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)

		case <-pending:
			pending = nil
			r.reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.onError != nil {
				r.onError(fmt.Errorf("config watch: %w", err))
			}

		case <-r.done:
			return
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		if r.onError != nil {
			r.onError(fmt.Errorf("config reload: %w", err))
		}
		return
	}

	r.mu.Lock()
	r.current = cfg
	r.mu.Unlock()

	if r.onLoad != nil {
		r.onLoad(cfg)
	}
}
