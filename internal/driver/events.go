package driver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/asheshgoplani/deck-driver/internal/logging"
)

var log = logging.ForComponent(logging.CompDriver)

// PressEvent is one hardware button press, spooled as a JSON file in the
// events directory by `deck-driver press` and consumed by the daemon.
type PressEvent struct {
	ButtonID int       `json:"button_id"`
	Long     bool      `json:"long,omitempty"`
	At       time.Time `json:"at"`
}

// WritePressEvent spools an event file. Written to a temp name first so
// the watcher never reads a half-written file.
func WritePressEvent(dir string, ev PressEvent) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	name := fmt.Sprintf("press-%s.json", uuid.NewString()[:8])
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// EventWatcher watches the events directory for spooled press events and
// delivers them on a channel. Event files are deleted after parsing.
type EventWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	eventCh chan PressEvent
	done    chan struct{}
	closeMu sync.Once
}

// NewEventWatcher creates a watcher for dir, creating it if needed.
// Call Start in a goroutine, then read from Events().
func NewEventWatcher(dir string) (*EventWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &EventWatcher{
		dir:     dir,
		watcher: fw,
		eventCh: make(chan PressEvent, 64),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the press event channel.
func (w *EventWatcher) Events() <-chan PressEvent {
	return w.eventCh
}

// Start watches the directory. Blocks until Stop is called. Events left
// over from a previous run are drained first.
func (w *EventWatcher) Start() {
	if err := w.watcher.Add(w.dir); err != nil {
		log.Warn("event_watcher_add_failed",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
		return
	}

	w.drainExisting()

	// Coalesce rapid file events before processing.
	var debounceTimer *time.Timer
	pendingFiles := make(map[string]bool)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			pendingMu.Lock()
			pendingFiles[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(50*time.Millisecond, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pendingFiles))
				for f := range pendingFiles {
					files = append(files, f)
				}
				pendingFiles = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.processFile(f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("event_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts the watcher down.
func (w *EventWatcher) Stop() {
	w.closeMu.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			w.processFile(filepath.Join(w.dir, e.Name()))
		}
	}
}

// processFile parses and removes one spooled event file. Unparseable
// files are removed too so a bad writer cannot wedge the spool.
func (w *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer os.Remove(path)

	var ev PressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn("event_unparseable",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()))
		return
	}

	select {
	case w.eventCh <- ev:
	default:
		log.Warn("event_channel_full", slog.Int("button_id", ev.ButtonID))
	}
}
