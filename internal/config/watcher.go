package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ChangeFunc is called with the previous and the freshly loaded config.
type ChangeFunc func(old, updated *Config) error

// Watcher reloads revline.yml when it changes on disk. Invalid edits are
// logged and the previous config stays current.
type Watcher struct {
	path     string
	log      logrus.FieldLogger
	debounce time.Duration

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeFunc
	timer     *time.Timer

	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(workspace string, current *Config, log logrus.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{
		path:     Path(workspace),
		log:      log.WithField("component", "config-watcher"),
		debounce: 250 * time.Millisecond,
		current:  current,
		fs:       fw,
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the config directory; editors often replace the file rather
// than write it in place, which a file-level watch would miss.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.log.WithError(err).Warn("config reload rejected")
		}
	})
}

// Reload reads the file now and notifies callbacks.
func (w *Watcher) Reload() error {
	updated, err := FromFile(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := append([]ChangeFunc(nil), w.callbacks...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		if err := fn(old, updated); err != nil {
			return fmt.Errorf("config change callback: %w", err)
		}
	}
	w.log.Info("config reloaded")
	return nil
}
