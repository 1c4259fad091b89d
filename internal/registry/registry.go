package registry

import (
	"log/slog"
	"sync"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/logging"
)

var log = logging.ForComponent(logging.CompRegistry)

// LocalKey is the reserved session key for local (non-device) execution.
const LocalKey = "local"

// Connectivity is the tri-state liveness of a device session.
type Connectivity int

const (
	ConnUnknown Connectivity = iota
	ConnConnected
	ConnBroken
)

func (c Connectivity) String() string {
	switch c {
	case ConnConnected:
		return "connected"
	case ConnBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Session is a registry entry for one managed terminal window.
type Session struct {
	Key          string
	WindowID     string // automation port handle id
	Title        string
	BGColor      string
	TextColor    string
	Connectivity Connectivity
	Busy         bool
}

// Registry is the in-memory table of live sessions plus the process-wide
// active-device pointer. Mutations are guarded by a table lock; per-key
// mutexes let dispatches for unrelated devices proceed concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	keyLocks map[string]*sync.Mutex

	activeDevice string
	reinit       map[string]bool
}

// New returns an empty registry; the active device starts unset.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		keyLocks: make(map[string]*sync.Mutex),
		reinit:   make(map[string]bool),
	}
}

// KeyFor computes the target session key for a press. Priority:
// K beats everything and never consults the active device; a device
// button targets itself; otherwise the active device when one is set;
// otherwise local.
func KeyFor(btn button.Config, parsed button.ParsedFlags, activeDevice string) string {
	switch {
	case parsed.ForceLocal:
		return LocalKey
	case parsed.Device:
		return btn.Label
	case activeDevice != "":
		return activeDevice
	default:
		return LocalKey
	}
}

// LockKey acquires the per-key mutex and returns the unlock func.
func (r *Registry) LockKey(key string) func() {
	r.mu.Lock()
	m, ok := r.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		r.keyLocks[key] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Put registers or replaces a session entry.
func (r *Registry) Put(s Session) {
	r.mu.Lock()
	r.sessions[s.Key] = s
	r.mu.Unlock()
}

// Lookup returns a copy of the entry. A miss is not an error: it signals
// that the dispatcher must create the session.
func (r *Registry) Lookup(key string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// SetConnectivity updates the liveness of a session, if present.
func (r *Registry) SetConnectivity(key string, c Connectivity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.Connectivity = c
		r.sessions[key] = s
	}
}

// SetBusy flags a session as mid-command.
func (r *Registry) SetBusy(key string, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.Busy = busy
		r.sessions[key] = s
	}
}

// Evict removes a session whose backing window is gone. Evicting an
// unknown key is a no-op.
func (r *Registry) Evict(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; !ok {
		return
	}
	delete(r.sessions, key)
	log.Info("session_evicted", slog.String("key", key))
}

// Keys returns the registered session keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

// ActiveDevice returns the label of the current device target, or "".
func (r *Registry) ActiveDevice() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeDevice
}

// SetActiveDevice points subsequent non-local dispatches at the device.
// Activation is a side effect of pressing an @-button, independent of
// whether a command ran.
func (r *Registry) SetActiveDevice(label string) {
	r.mu.Lock()
	r.activeDevice = label
	r.mu.Unlock()
	log.Info("active_device_set", slog.String("device", label))
}

// ClearActiveDevice unsets the pointer (device toggle-off or eviction).
func (r *Registry) ClearActiveDevice() {
	r.mu.Lock()
	r.activeDevice = ""
	r.mu.Unlock()
	log.Info("active_device_cleared")
}

// MarkReinit flags a device so its next activation re-runs the command in
// a fresh window. Set after its variables are edited.
func (r *Registry) MarkReinit(label string) {
	r.mu.Lock()
	r.reinit[label] = true
	r.mu.Unlock()
}

// TakeReinit reports and clears the re-init flag for a device.
func (r *Registry) TakeReinit(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reinit[label] {
		delete(r.reinit, label)
		return true
	}
	return false
}
