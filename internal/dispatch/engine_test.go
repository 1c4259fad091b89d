package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/monitor"
	"github.com/asheshgoplani/deck-driver/internal/registry"
	"github.com/asheshgoplani/deck-driver/internal/store"
	"github.com/asheshgoplani/deck-driver/internal/term"
)

// scriptPort is a scriptable in-memory automation port that records every
// call it receives.
type scriptPort struct {
	mu       sync.Mutex
	calls    []string
	sessions map[string]term.SessionHandle // title -> handle
	frontID  int

	confirmAnswer bool
	promptAnswers map[string]string // message prefix -> answer
	promptErr     error

	styleErr error
	runErr   error
}

func newScriptPort() *scriptPort {
	return &scriptPort{
		sessions:      make(map[string]term.SessionHandle),
		confirmAnswer: true,
		promptAnswers: make(map[string]string),
	}
}

func (p *scriptPort) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *scriptPort) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *scriptPort) FindSessionByTitle(ctx context.Context, title string) (term.SessionHandle, error) {
	p.record("find %s", title)
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.sessions[title]; ok {
		return h, nil
	}
	return term.SessionHandle{}, term.ErrNotFound
}

func (p *scriptPort) FrontmostSession(ctx context.Context) (term.SessionHandle, error) {
	p.record("frontmost")
	return term.SessionHandle{}, term.ErrNotFound
}

func (p *scriptPort) CreateSession(ctx context.Context) (term.SessionHandle, error) {
	p.mu.Lock()
	p.frontID++
	h := term.SessionHandle{ID: fmt.Sprintf("w%d", p.frontID)}
	p.mu.Unlock()
	p.record("create %s", h.ID)
	return h, nil
}

func (p *scriptPort) StyleSession(ctx context.Context, h term.SessionHandle, style term.Style) error {
	p.record("style %s title=%s bg=%s", h.ID, style.Title, style.BGColor)
	if p.styleErr != nil {
		return p.styleErr
	}
	p.mu.Lock()
	p.sessions[style.Title] = term.SessionHandle{ID: h.ID, Title: style.Title}
	p.mu.Unlock()
	return nil
}

func (p *scriptPort) FocusSession(ctx context.Context, h term.SessionHandle) error {
	p.record("focus %s", h.ID)
	return nil
}

func (p *scriptPort) RunCommand(ctx context.Context, h term.SessionHandle, text string) error {
	p.record("run %s: %s", h.ID, text)
	return p.runErr
}

func (p *scriptPort) SnapshotContent(ctx context.Context, h term.SessionHandle) (string, error) {
	p.record("snapshot %s", h.ID)
	return "", nil
}

func (p *scriptPort) SessionExists(ctx context.Context, h term.SessionHandle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID == h.ID {
			return true, nil
		}
	}
	return false, nil
}

func (p *scriptPort) Confirm(ctx context.Context, message string) (bool, error) {
	p.record("confirm %s", message)
	return p.confirmAnswer, nil
}

func (p *scriptPort) Prompt(ctx context.Context, message, def string) (string, error) {
	p.record("prompt %s", message)
	if p.promptErr != nil {
		return "", p.promptErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix, answer := range p.promptAnswers {
		if len(message) >= len(prefix) && message[:len(prefix)] == prefix {
			return answer, nil
		}
	}
	return def, nil
}

type memStore struct {
	mu      sync.Mutex
	buttons map[int]button.Config
	vars    button.Variables
	states  map[int]store.DisplayState
}

func newMemStore(buttons ...button.Config) *memStore {
	s := &memStore{
		buttons: make(map[int]button.Config),
		vars:    make(button.Variables),
		states:  make(map[int]store.DisplayState),
	}
	for _, b := range buttons {
		s.buttons[b.ID] = b
	}
	return s
}

func (s *memStore) ListButtons(ctx context.Context) ([]button.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]button.Config, 0, len(s.buttons))
	for _, b := range s.buttons {
		out = append(out, b)
	}
	return out, nil
}

func (s *memStore) GetButton(ctx context.Context, id int) (button.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buttons[id]
	if !ok {
		return button.Config{}, store.ErrNotFound
	}
	return b, nil
}

func (s *memStore) UpdateButton(ctx context.Context, btn button.Config) error {
	s.mu.Lock()
	s.buttons[btn.ID] = btn
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetVariables(ctx context.Context) (button.Variables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars.Clone(), nil
}

func (s *memStore) SetVariables(ctx context.Context, vars button.Variables) error {
	s.mu.Lock()
	for k, v := range vars {
		s.vars[k] = v
	}
	s.mu.Unlock()
	return nil
}

func (s *memStore) SetButtonState(ctx context.Context, id int, state store.DisplayState) error {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }

func testPalette() button.Palette {
	return button.Palette{
		Default:  "#000000",
		Priority: []string{"R", "G", "B", "O", "Y", "P", "S", "F", "W", "L"},
		Colors: map[string]string{
			"R": "#FF0000", "G": "#00FF00", "B": "#0066CC", "O": "#FF9900",
			"Y": "#FFFF00", "P": "#FFC0CB", "S": "#00FFFF", "F": "#808080",
			"W": "#FFFFFF", "L": "#FDF6E3",
		},
	}
}

func newTestEngine(t *testing.T, st store.Store, port term.Port) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	sup := monitor.New(monitor.Config{
		ConnectivityInterval: time.Hour,
		KeywordInterval:      time.Hour,
	}, port, st, reg)
	t.Cleanup(sup.Shutdown)
	parser := button.NewParser(testPalette(), 13, 28)
	eng := New(st, reg, port, sup, parser, make(button.Variables))
	t.Cleanup(eng.Shutdown)
	return eng, reg
}

func TestDeviceButtonCreateThenReuse(t *testing.T) {
	btn := button.Config{ID: 1, Label: "BOX1", Command: "ssh root@box1", Flags: "R16@"}
	port := newScriptPort()
	eng, reg := newTestEngine(t, newMemStore(btn), port)
	ctx := context.Background()

	// First press: create, style red with the label as title, run.
	res := eng.Press(ctx, 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "BOX1", res.SessionKey)
	assert.Equal(t, "BOX1", reg.ActiveDevice())

	calls := port.callLog()
	require.Contains(t, calls, "create w1")
	require.Contains(t, calls, "style w1 title=BOX1 bg=#FF0000")
	require.Contains(t, calls, "run w1: ssh root@box1")

	// Second press: focus only, no duplicate ssh.
	res = eng.Press(ctx, 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "reused", res.Diagnostic)
	assert.Equal(t, "BOX1", reg.ActiveDevice())

	runs := 0
	for _, c := range port.callLog() {
		if c == "run w1: ssh root@box1" {
			runs++
		}
	}
	assert.Equal(t, 1, runs, "reuse must not re-run the device command")
	assert.Contains(t, port.callLog(), "focus w1")
}

func TestPlainButtonTargetsActiveDevice(t *testing.T) {
	dev := button.Config{ID: 1, Label: "BOX1", Command: "ssh root@box1", Flags: "@"}
	plain := button.Config{ID: 2, Label: "LOGS", Command: "tail -f /var/log/syslog"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(dev, plain), port)
	ctx := context.Background()

	require.False(t, eng.Press(ctx, 1, false).Failed())
	res := eng.Press(ctx, 2, false)
	require.False(t, res.Failed(), res.Diagnostic)

	// The plain button's command lands in the device session, typed in.
	assert.Equal(t, "BOX1", res.SessionKey)
	assert.Contains(t, port.callLog(), "run w1: tail -f /var/log/syslog")
}

func TestForceLocalNeverTouchesPointer(t *testing.T) {
	dev := button.Config{ID: 1, Label: "BOX1", Command: "ssh root@box1", Flags: "@"}
	local := button.Config{ID: 2, Label: "LOCAL", Command: "ls", Flags: "K"}
	port := newScriptPort()
	eng, reg := newTestEngine(t, newMemStore(dev, local), port)
	ctx := context.Background()

	require.False(t, eng.Press(ctx, 1, false).Failed())
	require.Equal(t, "BOX1", reg.ActiveDevice())

	res := eng.Press(ctx, 2, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, registry.LocalKey, res.SessionKey)
	assert.Equal(t, "BOX1", reg.ActiveDevice(), "K press must not change the active device")
}

func TestNoDeviceDefaultsToLocalKey(t *testing.T) {
	btn := button.Config{ID: 1, Label: "LS", Command: "ls -la"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(btn), port)

	res := eng.Press(context.Background(), 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, registry.LocalKey, res.SessionKey)
	assert.Contains(t, port.callLog(), "style w1 title=local bg=#000000")
}

func TestConfirmDeclinedIsCleanNoop(t *testing.T) {
	btn := button.Config{ID: 1, Label: "WIPE", Command: "rm -rf /tmp/scratch", Flags: ">"}
	port := newScriptPort()
	port.confirmAnswer = false
	eng, _ := newTestEngine(t, newMemStore(btn), port)

	res := eng.Press(context.Background(), 1, false)
	assert.Equal(t, StateDone, res.State)

	for _, c := range port.callLog() {
		assert.NotContains(t, c, "run", "declined confirm must not execute anything")
		assert.NotContains(t, c, "create")
	}
}

func TestMobileRewriteReachesPort(t *testing.T) {
	btn := button.Config{ID: 1, Label: "SSH", Command: "ssh {{USER:deploy}}@{{HOST:box1}}", Flags: "M"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(btn), port)

	res := eng.Press(context.Background(), 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Contains(t, port.callLog(), "run w1: ssh mobile@box1")
}

func TestResolverSeedsDefaultsThroughStore(t *testing.T) {
	btn := button.Config{ID: 1, Label: "SSH", Command: "ssh {{USER:root}}@{{HOST:box1}}"}
	st := newMemStore(btn)
	eng, _ := newTestEngine(t, st, newScriptPort())

	require.False(t, eng.Press(context.Background(), 1, false).Failed())
	vars, err := st.GetVariables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "root", vars["USER"])
	assert.Equal(t, "box1", vars["HOST"])
}

func TestFailedCreationEvictsPartialEntry(t *testing.T) {
	btn := button.Config{ID: 1, Label: "BOX1", Command: "ssh root@box1", Flags: "@"}
	port := newScriptPort()
	port.styleErr = fmt.Errorf("window vanished")
	eng, reg := newTestEngine(t, newMemStore(btn), port)

	res := eng.Press(context.Background(), 1, false)
	require.True(t, res.Failed())
	_, ok := reg.Lookup("BOX1")
	assert.False(t, ok, "failed creation must not leave a registry entry")
	assert.Empty(t, reg.ActiveDevice(), "failed activation must not set the pointer")
}

func TestUnknownButtonFails(t *testing.T) {
	eng, _ := newTestEngine(t, newMemStore(), newScriptPort())
	res := eng.Press(context.Background(), 42, false)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Diagnostic, "not configured")
}

func TestPressWhileInFlightRejected(t *testing.T) {
	btn := button.Config{ID: 1, Label: "SLOW", Command: "sleep 1", Flags: ">"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(btn), port)

	release := make(chan struct{})
	started := make(chan struct{})
	blockingPort := &blockingConfirmPort{scriptPort: port, started: started, release: release}
	eng.port = blockingPort

	done := make(chan Result, 1)
	go func() { done <- eng.Press(context.Background(), 1, false) }()
	<-started

	res := eng.Press(context.Background(), 1, false)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Diagnostic, "in flight")

	close(release)
	first := <-done
	assert.False(t, first.Failed(), first.Diagnostic)
}

type blockingConfirmPort struct {
	*scriptPort
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingConfirmPort) Confirm(ctx context.Context, message string) (bool, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return true, nil
}

func TestBackgroundToggleLifecycle(t *testing.T) {
	btn := button.Config{ID: 1, Label: "REC", Command: "sleep 30", Flags: "&"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(btn), port)
	ctx := context.Background()

	res := eng.Press(ctx, 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "started", res.Diagnostic)
	require.True(t, eng.toggles.running(registry.LocalKey, "sleep 30"))

	res = eng.Press(ctx, 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "stopped", res.Diagnostic)
	require.False(t, eng.toggles.running(registry.LocalKey, "sleep 30"))

	// Third press restarts from stopped.
	res = eng.Press(ctx, 1, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "started", res.Diagnostic)
}

func TestToggleButtonsOnSameKeyIndependent(t *testing.T) {
	a := button.Config{ID: 1, Label: "RECA", Command: "sleep 30", Flags: "&"}
	b := button.Config{ID: 2, Label: "RECB", Command: "sleep 31", Flags: "&"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(a, b), port)
	ctx := context.Background()

	res := eng.Press(ctx, 1, false)
	require.Equal(t, "started", res.Diagnostic)
	res = eng.Press(ctx, 2, false)
	require.Equal(t, "started", res.Diagnostic)

	// Stopping one toggle leaves the other's process alone.
	res = eng.Press(ctx, 1, false)
	require.Equal(t, "stopped", res.Diagnostic)
	assert.False(t, eng.toggles.running(registry.LocalKey, "sleep 30"))
	assert.True(t, eng.toggles.running(registry.LocalKey, "sleep 31"))

	res = eng.Press(ctx, 2, false)
	require.Equal(t, "stopped", res.Diagnostic)
	assert.False(t, eng.toggles.running(registry.LocalKey, "sleep 31"))
}

func TestVarEditLongPressWritesThrough(t *testing.T) {
	btn := button.Config{ID: 1, Label: "SSH", Command: "ssh {{USER:root}}@{{HOST:box1}}", Flags: "V@"}
	port := newScriptPort()
	port.promptAnswers["Enter value for USER:"] = "deploy"
	st := newMemStore(btn)
	eng, reg := newTestEngine(t, st, port)

	res := eng.Press(context.Background(), 1, true)
	require.False(t, res.Failed(), res.Diagnostic)

	vars, _ := st.GetVariables(context.Background())
	assert.Equal(t, "deploy", vars["USER"])

	// Device button edited: the next press must re-run its command.
	assert.False(t, reg.TakeReinit("BOX1"), "reinit is keyed by the button label")
	assert.True(t, reg.TakeReinit("SSH"))
}

func TestNumericArmAndAdjust(t *testing.T) {
	btn := button.Config{ID: 1, Label: "VOL", Command: "osc send /vol {{LEVEL:5}}", Flags: "#"}
	port := newScriptPort()
	port.promptAnswers["Enter INCREMENT"] = "2"
	st := newMemStore(btn)
	eng, _ := newTestEngine(t, st, port)
	ctx := context.Background()

	res := eng.Press(ctx, 1, true)
	require.False(t, res.Failed(), res.Diagnostic)

	res = eng.NumericAdjust(ctx, 1)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "7", eng.Variables()["LEVEL"])

	res = eng.NumericAdjust(ctx, -2)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "3", eng.Variables()["LEVEL"])

	found := false
	for _, c := range port.callLog() {
		if c == "run w1: osc send /vol 7" {
			found = true
		}
	}
	assert.True(t, found, "adjusted command must be re-dispatched: %v", port.callLog())

	eng.DisarmNumeric()
	assert.True(t, eng.NumericAdjust(ctx, 1).Failed())
}

func TestNumericRequiresSinglePlaceholder(t *testing.T) {
	btn := button.Config{ID: 1, Label: "BAD", Command: "cmd {{A:1}} {{B:2}}", Flags: "#"}
	eng, _ := newTestEngine(t, newMemStore(btn), newScriptPort())

	res := eng.Press(context.Background(), 1, true)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Diagnostic, "exactly one placeholder")
}

func TestGenericLongPressEditsCommand(t *testing.T) {
	btn := button.Config{ID: 1, Label: "LS", Command: "ls"}
	port := newScriptPort()
	port.promptAnswers["Edit command"] = "ls -la"
	st := newMemStore(btn)
	eng, _ := newTestEngine(t, st, port)

	res := eng.Press(context.Background(), 1, true)
	require.False(t, res.Failed(), res.Diagnostic)

	got, err := st.GetButton(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ls -la", got.Command)
}

func TestStagedNewWindowUsesDeviceSSHPrefix(t *testing.T) {
	dev := button.Config{ID: 1, Label: "BOX1", Command: "ssh root@box1 && tmux attach", Flags: "B@"}
	nBtn := button.Config{ID: 2, Label: "HTOP", Command: "htop", Flags: "N"}
	port := newScriptPort()
	eng, _ := newTestEngine(t, newMemStore(dev, nBtn), port)
	ctx := context.Background()

	require.False(t, eng.Press(ctx, 1, false).Failed())
	res := eng.Press(ctx, 2, false)
	require.False(t, res.Failed(), res.Diagnostic)
	assert.Equal(t, "BOX1", res.SessionKey)

	calls := port.callLog()
	assert.Contains(t, calls, "create w2")
	assert.Contains(t, calls, "style w2 title=BOX1 bg=#0066CC")
	assert.Contains(t, calls, "run w2: ssh root@box1")
	assert.Contains(t, calls, "run w2: htop")
}
