package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskrouter/internal/model"
)

// Watcher reloads routing.yaml after it changes on disk. Bursts of events
// are coalesced into one reload per debounce window.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*model.RoutingConfig)
	onError  func(error)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(path string, debounce time.Duration, onChange func(*model.RoutingConfig)) *Watcher {
	if debounce <= 0 {
		debounce = time.Duration(model.DefaultReloadDebounceMs) * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		onError:  func(error) {},
		done:     make(chan struct{}),
	}
}

func (w *Watcher) SetErrorHandler(fn func(error)) {
	w.onError = fn
}

// Start watches the directory holding the file, so atomic rename-based
// writes are observed as well.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("fsnotify: %w", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// Reload loads the file now and hands it to the change callback.
func (w *Watcher) Reload() error {
	rc, err := LoadRouting(w.path)
	if err != nil {
		return err
	}
	w.onChange(rc)
	return nil
}

func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	if err := w.Reload(); err != nil {
		w.onError(fmt.Errorf("reload %s: %w", filepath.Base(w.path), err))
	}
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}
