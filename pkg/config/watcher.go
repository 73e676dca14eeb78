package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher listens for changes to the settings files and any extra files
// (such as the cases manifest) and hot-reloads safely.
type Watcher struct {
	loader   *SettingsLoader
	debounce time.Duration
	extra    []string

	fsw *fsnotify.Watcher

	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	files    map[string]struct{}
	lastHash string

	onChange func(*Settings)
	onError  func(error)
}

// WatcherOption configures the hot reloader.
type WatcherOption func(*Watcher)

// WithDebounce overrides the default debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithExtraFiles adds files whose changes also trigger a reload.
func WithExtraFiles(paths ...string) WatcherOption {
	return func(w *Watcher) { w.extra = append(w.extra, paths...) }
}

// OnChange registers a callback fired after successful reload.
func OnChange(fn func(*Settings)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// OnError registers a callback for reload failures.
func OnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher wires a file watcher around the provided loader.
func NewWatcher(loader *SettingsLoader, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, errors.New("loader is nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		loader:   loader,
		debounce: 150 * time.Millisecond,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		files:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = 150 * time.Millisecond
	}
	return w, nil
}

// Start loads the initial settings and begins watching. OnChange fires once
// with the initial settings.
func (w *Watcher) Start() (*Settings, error) {
	cfg, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := w.addTargets(); err != nil {
		return nil, err
	}
	hash, err := w.hash()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(cfg)
	}
	go w.loop()
	return cfg, nil
}

// Close stops file watching.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.fsw.Close()
}

// addTargets watches the parent directory of every file so that editors
// replacing files via rename are still observed.
func (w *Watcher) addTargets() error {
	paths := append(w.loader.Paths(), w.extra...)
	dirs := map[string]struct{}{}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *Watcher) watches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[abs]
	return ok
}

// hash digests the contents of every watched file. Missing files hash as empty.
func (w *Watcher) hash() (string, error) {
	w.mu.Lock()
	files := make([]string, 0, len(w.files))
	for f := range w.files {
		files = append(files, f)
	}
	w.mu.Unlock()
	slices.Sort(files)

	h := sha256.New()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", f, len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	schedule := func() {
		if timer == nil {
			timer = time.AfterFunc(w.debounce, func() {
				w.reload()
			})
			return
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case err := <-w.fsw.Errors:
			if err != nil && w.onError != nil {
				w.onError(err)
			}
		case evt := <-w.fsw.Events:
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.watches(evt.Name) {
				schedule()
			}
		}
	}
}

func (w *Watcher) reload() {
	hash, err := w.hash()
	if err != nil {
		w.fail(err)
		return
	}
	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}
	cfg, err := w.loader.Load()
	if err != nil {
		w.fail(err)
		return
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
