package blocklist

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// Watcher reloads a List from a local file whenever that file changes on
// disk, for the standalone command-line entry point where there is no
// parent process to deliver a fresh blocklist fd over the main channel.
type Watcher struct {
	path string
	list *List

	mu          sync.Mutex
	lastModTime time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// WatchFile loads path into list and keeps reloading it on every
// modification until Stop is called.
func WatchFile(path string, list *List) (*Watcher, error) {
	w := &Watcher{
		path:   path,
		list:   list,
		stopCh: make(chan struct{}),
	}

	if err := w.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.watch()

	return w, nil
}

func (w *Watcher) reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := w.list.Reload(f); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastModTime = info.ModTime()
	w.mu.Unlock()

	zlog.Info("blocklist: file loaded", zlog.String("path", w.path), zlog.Int("entries", w.list.Len()))
	return nil
}

func (w *Watcher) watch() {
	defer w.watcher.Close()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == filepath.Base(w.path) {
				w.checkAndReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("blocklist: watcher error", zlog.String("error", err.Error()))

		case <-ticker.C:
			w.checkAndReload()
		}
	}
}

func (w *Watcher) checkAndReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		zlog.Warn("blocklist: stat failed", zlog.String("path", w.path), zlog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	last := w.lastModTime
	w.mu.Unlock()

	if info.ModTime().After(last) {
		if err := w.reload(); err != nil {
			zlog.Warn("blocklist: reload failed", zlog.String("path", w.path), zlog.String("error", err.Error()))
		}
	}
}

// Stop ends the watch goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
}
