// Package watcher reports edits to the model files sessions were started
// with so they can be reloaded.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once a watched model file settles after a change.
type ChangeCallback func(sessionKey, path string)

// Watcher monitors one model file per session.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // session key -> watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *slog.Logger
}

type fileWatcher struct {
	sessionKey string
	path       string
	fsWatcher  *fsnotify.Watcher
	cancel     chan struct{}

	mu        sync.Mutex
	lastStamp stamp
}

// stamp identifies one version of a file.
type stamp struct {
	size    int64
	modTime time.Time
	missing bool
}

func (s stamp) same(o stamp) bool {
	return s.missing == o.missing && s.size == o.size && s.modTime.Equal(o.modTime)
}

func stampOf(path string) stamp {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{missing: true}
	}
	return stamp{size: info.Size(), modTime: info.ModTime()}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must be quiet before the callback runs.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New creates a model file watcher.
func New(callback ChangeCallback, opts ...Option) *Watcher {
	w := &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: defaultDebounce,
		callback: callback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts watching path for the session, replacing any file the
// session was already watching. The parent directory is watched so that
// editors which save by renaming over the file are still seen.
func (w *Watcher) Watch(sessionKey, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		sessionKey: sessionKey,
		path:       abs,
		fsWatcher:  fsW,
		cancel:     make(chan struct{}),
		lastStamp:  stampOf(abs),
	}

	w.Unwatch(sessionKey)
	w.mu.Lock()
	w.watchers[sessionKey] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)
	w.logger.Debug("watching model file", "session", sessionKey, "path", abs)
	return nil
}

// Unwatch stops watching a session's model file.
func (w *Watcher) Unwatch(sessionKey string) {
	w.mu.Lock()
	fw, ok := w.watchers[sessionKey]
	if ok {
		delete(w.watchers, sessionKey)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// Watching returns the file watched for a session.
func (w *Watcher) Watching(sessionKey string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fw, ok := w.watchers[sessionKey]
	if !ok {
		return "", false
	}
	return fw.path, true
}

// watchLoop processes fsnotify events for the watched file with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.settle(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("model watcher error", "session", fw.sessionKey, "path", fw.path, "error", err)
		}
	}
}

// settle notifies the callback if the file's content changed since the last
// notification. A file that is missing after the quiet period is skipped.
func (w *Watcher) settle(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	st := stampOf(fw.path)
	fw.mu.Lock()
	if st.missing || st.same(fw.lastStamp) {
		fw.mu.Unlock()
		return
	}
	fw.lastStamp = st
	fw.mu.Unlock()

	w.logger.Info("model file changed", "session", fw.sessionKey, "path", fw.path)
	if w.callback != nil {
		w.callback(fw.sessionKey, fw.path)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watchers))
	for key := range w.watchers {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}
