package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/google/uuid"

	"github.com/asheshgoplani/deck-driver/internal/logging"
	"github.com/asheshgoplani/deck-driver/internal/registry"
	"github.com/asheshgoplani/deck-driver/internal/store"
	"github.com/asheshgoplani/deck-driver/internal/term"
)

var log = logging.ForComponent(logging.CompMonitor)

// Kind distinguishes the polling loops.
type Kind int

const (
	KindConnectivity Kind = iota
	KindKeyword
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// Config bounds the polling loops.
type Config struct {
	ConnectivityInterval time.Duration
	KeywordInterval      time.Duration

	// KeepWatching keeps a keyword loop running after its first hit
	// instead of stopping on the terminal found state.
	KeepWatching bool

	// Notify disables desktop notifications when false (tests, headless).
	Notify bool
}

type taskKey struct {
	kind Kind
	key  string
}

type task struct {
	id       string
	kind     Kind
	buttonID int
	keyword  string
	baseLen  int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor owns the background polling loops. One task per (kind,
// session key); re-registering replaces the prior task. Loops degrade
// button state to unknown on failure and never crash.
type Supervisor struct {
	cfg  Config
	port term.Port
	st   store.Store
	reg  *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[taskKey]*task

	bgMu       sync.Mutex
	background map[string]bool // session key -> liveness, flipped by dispatch
}

// New builds a supervisor. Zero intervals get defaults.
func New(cfg Config, port term.Port, st store.Store, reg *registry.Registry) *Supervisor {
	if cfg.ConnectivityInterval <= 0 {
		cfg.ConnectivityInterval = 3 * time.Second
	}
	if cfg.KeywordInterval <= 0 {
		cfg.KeywordInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		port:       port,
		st:         st,
		reg:        reg,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[taskKey]*task),
		background: make(map[string]bool),
	}
}

// WatchConnectivity starts (or replaces) the connectivity loop for a
// device session key.
func (s *Supervisor) WatchConnectivity(sessionKey string, buttonID int) string {
	t := s.register(KindConnectivity, sessionKey, buttonID, "", 0)
	return t.id
}

// WatchKeyword starts (or replaces) a keyword loop. The baseline snapshot
// is taken here, before returning, so output that appears between the
// registration and the loop's first poll is still searchable.
func (s *Supervisor) WatchKeyword(sessionKey string, buttonID int, keyword string) string {
	baseLen := 0
	if sess, ok := s.reg.Lookup(sessionKey); ok {
		h := term.SessionHandle{ID: sess.WindowID, Title: sess.Title}
		baseline, err := s.port.SnapshotContent(s.ctx, h)
		if err != nil {
			log.Warn("keyword_baseline_failed",
				slog.String("session_key", sessionKey),
				slog.String("error", err.Error()))
		} else {
			baseLen = len(baseline)
		}
	}
	t := s.register(KindKeyword, sessionKey, buttonID, keyword, baseLen)
	return t.id
}

func (s *Supervisor) register(kind Kind, sessionKey string, buttonID int, keyword string, baseLen int) *task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		id:       uuid.NewString(),
		kind:     kind,
		buttonID: buttonID,
		keyword:  keyword,
		baseLen:  baseLen,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	k := taskKey{kind, sessionKey}
	if old, ok := s.tasks[k]; ok {
		old.cancel()
	}
	s.tasks[k] = t
	s.mu.Unlock()

	log.Info("monitor_started",
		slog.String("kind", kind.String()),
		slog.String("session_key", sessionKey),
		slog.Int("button_id", buttonID))

	go func() {
		defer close(t.done)
		defer s.remove(k, t)
		switch kind {
		case KindConnectivity:
			s.connectivityLoop(ctx, sessionKey, t)
		case KindKeyword:
			s.keywordLoop(ctx, sessionKey, t)
		}
	}()
	return t
}

func (s *Supervisor) remove(k taskKey, t *task) {
	s.mu.Lock()
	if s.tasks[k] == t {
		delete(s.tasks, k)
	}
	s.mu.Unlock()
}

// Cancel stops the loop of the given kind for a session key, if any.
func (s *Supervisor) Cancel(kind Kind, sessionKey string) {
	s.mu.Lock()
	t, ok := s.tasks[taskKey{kind, sessionKey}]
	s.mu.Unlock()
	if ok {
		t.cancel()
		<-t.done
	}
}

// CancelSession stops every loop bound to a session key. Called on
// eviction so stale polls never resurrect a dead session's state.
func (s *Supervisor) CancelSession(sessionKey string) {
	s.mu.Lock()
	var stopping []*task
	for k, t := range s.tasks {
		if k.key == sessionKey {
			t.cancel()
			stopping = append(stopping, t)
		}
	}
	s.mu.Unlock()
	for _, t := range stopping {
		<-t.done
	}
}

// Shutdown cancels every loop and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.mu.Lock()
	var all []*task
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()
	for _, t := range all {
		<-t.done
	}
}

// SetBackgroundRunning records the liveness flag for a background toggle
// and writes it through to display state. Flipped synchronously by the
// dispatch engine; there is no polling loop for background processes.
func (s *Supervisor) SetBackgroundRunning(sessionKey string, buttonID int, running bool) {
	s.bgMu.Lock()
	if running {
		s.background[sessionKey] = true
	} else {
		delete(s.background, sessionKey)
	}
	s.bgMu.Unlock()

	s.publish(s.ctx, buttonID, store.DisplayState{
		Running:   running,
		UpdatedAt: time.Now(),
	})
}

// BackgroundRunning reports the recorded liveness flag.
func (s *Supervisor) BackgroundRunning(sessionKey string) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	return s.background[sessionKey]
}

// publish writes display state unless the task context was cancelled.
// The check is mandatory: a poll that raced a cancel must stay silent.
func (s *Supervisor) publish(ctx context.Context, buttonID int, state store.DisplayState) {
	if ctx.Err() != nil {
		return
	}
	if err := s.st.SetButtonState(ctx, buttonID, state); err != nil {
		log.Warn("publish_failed",
			slog.Int("button_id", buttonID),
			slog.String("error", err.Error()))
	}
}

func (s *Supervisor) notify(title, message string) {
	if !s.cfg.Notify {
		return
	}
	if err := beeep.Notify(title, message, ""); err != nil {
		log.Warn("notify_failed", slog.String("error", err.Error()))
	}
}

func (s *Supervisor) connectivityLoop(ctx context.Context, sessionKey string, t *task) {
	ticker := time.NewTicker(s.cfg.ConnectivityInterval)
	defer ticker.Stop()

	last := registry.ConnUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		logging.Aggregate(logging.CompMonitor, "connectivity_poll")

		conn := s.checkConnectivity(ctx, sessionKey)
		if conn == connGone {
			s.reg.Evict(sessionKey)
			s.reg.SetConnectivity(sessionKey, registry.ConnUnknown)
			s.publish(ctx, t.buttonID, store.DisplayState{
				Connectivity: registry.ConnUnknown.String(),
				UpdatedAt:    time.Now(),
			})
			log.Info("monitor_target_gone", slog.String("session_key", sessionKey))
			return
		}

		s.reg.SetConnectivity(sessionKey, conn.conn)
		s.publish(ctx, t.buttonID, store.DisplayState{
			Connectivity: conn.conn.String(),
			UpdatedAt:    time.Now(),
		})
		if conn.conn == registry.ConnBroken && last != registry.ConnBroken {
			s.notify("Deck Driver", sessionKey+" connection broken")
		}
		last = conn.conn
	}
}

type connResult struct {
	conn registry.Connectivity
}

var connGone = connResult{conn: -1}

// checkConnectivity asks the port whether the window is alive and whether
// it looks parked at a shell prompt.
func (s *Supervisor) checkConnectivity(ctx context.Context, sessionKey string) connResult {
	sess, ok := s.reg.Lookup(sessionKey)
	if !ok {
		return connGone
	}
	h := term.SessionHandle{ID: sess.WindowID, Title: sess.Title}

	exists, err := s.port.SessionExists(ctx, h)
	if err != nil {
		return connResult{conn: registry.ConnUnknown}
	}
	if !exists {
		return connGone
	}

	content, err := s.port.SnapshotContent(ctx, h)
	if err != nil {
		return connResult{conn: registry.ConnUnknown}
	}
	if atPrompt(content) {
		return connResult{conn: registry.ConnConnected}
	}
	// A window with no prompt for a device session usually means the ssh
	// process died and left an error, or a command is still running.
	if looksDisconnected(content) {
		return connResult{conn: registry.ConnBroken}
	}
	return connResult{conn: registry.ConnConnected}
}

// atPrompt reports whether the last non-blank line ends in a common shell
// prompt character.
func atPrompt(content string) bool {
	lines := strings.Split(strings.TrimRight(content, "\n "), "\n")
	if len(lines) == 0 {
		return false
	}
	line := strings.TrimRight(lines[len(lines)-1], " ")
	if line == "" {
		return false
	}
	switch line[len(line)-1] {
	case '$', '%', '#', '>':
		return true
	}
	return false
}

var disconnectMarkers = []string{
	"Connection closed",
	"Connection refused",
	"Connection reset",
	"Broken pipe",
	"Operation timed out",
	"No route to host",
	"client_loop: send disconnect",
}

func looksDisconnected(content string) bool {
	tail := content
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	for _, m := range disconnectMarkers {
		if strings.Contains(tail, m) {
			return true
		}
	}
	return false
}

func (s *Supervisor) keywordLoop(ctx context.Context, sessionKey string, t *task) {
	sess, ok := s.reg.Lookup(sessionKey)
	if !ok {
		log.Warn("keyword_monitor_no_session", slog.String("session_key", sessionKey))
		return
	}
	h := term.SessionHandle{ID: sess.WindowID, Title: sess.Title}

	// Baseline: content that existed before the monitored command ran is
	// never searched, only the suffix that appears afterwards. The
	// snapshot was taken at registration time.
	baseLen := t.baseLen

	ticker := time.NewTicker(s.cfg.KeywordInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		logging.Aggregate(logging.CompMonitor, "keyword_poll")

		content, err := s.port.SnapshotContent(ctx, h)
		if errors.Is(err, term.ErrNotFound) {
			s.reg.Evict(sessionKey)
			s.publish(ctx, t.buttonID, store.DisplayState{
				Connectivity: registry.ConnUnknown.String(),
				UpdatedAt:    time.Now(),
			})
			return
		}
		if err != nil {
			continue
		}
		if !matchBeyondBaseline(content, baseLen, t.keyword) {
			continue
		}

		s.publish(ctx, t.buttonID, store.DisplayState{
			KeywordFound: true,
			Sticky:       true,
			UpdatedAt:    time.Now(),
		})
		s.notify("Deck Driver", "\""+t.keyword+"\" appeared in "+sessionKey)
		log.Info("keyword_found",
			slog.String("session_key", sessionKey),
			slog.String("keyword", t.keyword))
		if !s.cfg.KeepWatching {
			return
		}
		// Keep watching for later occurrences against a fresh baseline.
		baseLen = len(content)
	}
}

// matchBeyondBaseline searches only the content that appeared after the
// baseline snapshot. Text that existed before the monitored command ran
// must never produce a hit, even as a substring.
func matchBeyondBaseline(content string, baseLen int, keyword string) bool {
	if keyword == "" || len(content) <= baseLen {
		return false
	}
	return strings.Contains(content[baseLen:], keyword)
}
