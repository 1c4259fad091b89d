package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/deck-driver/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// debounceWindow coalesces rapid write events from editors that save via
// truncate+write or temp+rename.
const debounceWindow = 200 * time.Millisecond

// Watcher reports external edits of the config file on a channel.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	reloadCh chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewWatcher watches the directory containing path for changes to the
// config file. Watching the directory rather than the file survives the
// atomic-rename save pattern, which replaces the inode.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		fw:       fw,
		reloadCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}, nil
}

// Reload delivers one signal per (debounced) config file change.
func (w *Watcher) Reload() <-chan struct{} {
	return w.reloadCh
}

// Start begins watching. Must be called in a goroutine.
func (w *Watcher) Start() {
	var timer *time.Timer
	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case w.reloadCh <- struct{}{}:
				default: // signal already pending
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.fw.Close()
	})
}
