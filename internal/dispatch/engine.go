package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/logging"
	"github.com/asheshgoplani/deck-driver/internal/monitor"
	"github.com/asheshgoplani/deck-driver/internal/registry"
	"github.com/asheshgoplani/deck-driver/internal/store"
	"github.com/asheshgoplani/deck-driver/internal/term"
)

var log = logging.ForComponent(logging.CompDispatch)

// State is where a dispatch ended up.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateTargeting
	StateReusing
	StateCreating
	StateExecuting
	StateMonitoring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateTargeting:
		return "targeting"
	case StateReusing:
		return "reusing"
	case StateCreating:
		return "creating"
	case StateExecuting:
		return "executing"
	case StateMonitoring:
		return "monitoring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one press. Automation failures surface here as
// a Failed state with a diagnostic; they never propagate as errors.
type Result struct {
	State      State
	SessionKey string
	Diagnostic string
}

func (r Result) Failed() bool { return r.State == StateFailed }

func failed(key, format string, args ...any) Result {
	return Result{State: StateFailed, SessionKey: key, Diagnostic: fmt.Sprintf(format, args...)}
}

// numericState is the armed numeric-adjust mode set up by a long press on
// a # button. At most one is active at a time.
type numericState struct {
	buttonID int
	varName  string
	step     float64
	template string
}

// Engine is the per-press dispatcher. One dispatch per button runs to
// completion before the next press of that button is accepted; presses of
// different buttons proceed concurrently.
type Engine struct {
	st   store.Store
	reg  *registry.Registry
	port term.Port
	sup  *monitor.Supervisor

	parserMu sync.Mutex
	parser   *button.Parser

	varsMu sync.Mutex
	vars   button.Variables

	toggles *toggles

	inFlightMu sync.Mutex
	inFlight   map[int]bool

	numMu   sync.Mutex
	numeric *numericState
}

// New builds an engine. vars is the process-wide variable map, already
// seeded from button templates at startup.
func New(st store.Store, reg *registry.Registry, port term.Port, sup *monitor.Supervisor, parser *button.Parser, vars button.Variables) *Engine {
	if vars == nil {
		vars = make(button.Variables)
	}
	return &Engine{
		st:       st,
		reg:      reg,
		port:     port,
		sup:      sup,
		parser:   parser,
		vars:     vars,
		toggles:  newToggles(),
		inFlight: make(map[int]bool),
	}
}

// Shutdown terminates running background toggles.
func (e *Engine) Shutdown() {
	e.toggles.stopAll()
}

// SetParser swaps the flag parser after a config reload.
func (e *Engine) SetParser(p *button.Parser) {
	e.parserMu.Lock()
	e.parser = p
	e.parserMu.Unlock()
}

func (e *Engine) parse(flags string) button.ParsedFlags {
	e.parserMu.Lock()
	defer e.parserMu.Unlock()
	return e.parser.Parse(flags)
}

// Variables returns a copy of the current variable map.
func (e *Engine) Variables() button.Variables {
	e.varsMu.Lock()
	defer e.varsMu.Unlock()
	return e.vars.Clone()
}

// SetVariable updates one variable in memory and writes it through.
func (e *Engine) SetVariable(ctx context.Context, name, value string) error {
	e.varsMu.Lock()
	e.vars[name] = value
	e.varsMu.Unlock()
	return e.st.SetVariables(ctx, button.Variables{name: value})
}

func (e *Engine) begin(buttonID int) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	if e.inFlight[buttonID] {
		return false
	}
	e.inFlight[buttonID] = true
	return true
}

func (e *Engine) end(buttonID int) {
	e.inFlightMu.Lock()
	delete(e.inFlight, buttonID)
	e.inFlightMu.Unlock()
}

// Press dispatches one press of buttonID. long marks a long press, which
// routes to the edit flows instead of command execution.
func (e *Engine) Press(ctx context.Context, buttonID int, long bool) Result {
	if !e.begin(buttonID) {
		logging.Aggregate(logging.CompDispatch, "press_while_busy")
		return failed("", "press ignored: button %d dispatch in flight", buttonID)
	}
	defer e.end(buttonID)

	btn, err := e.st.GetButton(ctx, buttonID)
	if errors.Is(err, store.ErrNotFound) {
		return failed("", "button %d not configured", buttonID)
	}
	if err != nil {
		return failed("", "load button %d: %v", buttonID, err)
	}
	parsed := e.parse(btn.Flags)

	log.Info("press",
		slog.Int("button_id", buttonID),
		slog.String("label", btn.Label),
		slog.Bool("long", long))

	if long {
		return e.longPress(ctx, btn, parsed)
	}
	res := e.dispatch(ctx, btn, parsed)
	if res.Failed() {
		log.Warn("dispatch_failed",
			slog.Int("button_id", buttonID),
			slog.String("diagnostic", res.Diagnostic))
	}
	return res
}

func (e *Engine) dispatch(ctx context.Context, btn button.Config, parsed button.ParsedFlags) Result {
	if parsed.Confirm {
		ok, err := e.port.Confirm(ctx, fmt.Sprintf("Run %q?", btn.Label))
		if errors.Is(err, term.ErrCancelled) || (err == nil && !ok) {
			// Declined is a clean no-op, indistinguishable from a press
			// that never happened.
			return Result{State: StateDone, Diagnostic: "confirmation declined"}
		}
		if err != nil {
			return failed("", "confirm: %v", err)
		}
	}

	resolved := e.resolveCommand(ctx, btn.Command)
	if parsed.Mobile {
		resolved = button.RewriteMobile(resolved)
	}

	activeDevice := e.reg.ActiveDevice()
	key := registry.KeyFor(btn, parsed, activeDevice)
	unlock := e.reg.LockKey(key)
	defer unlock()

	if parsed.Background || parsed.Record {
		return e.toggle(ctx, btn, key, resolved)
	}

	// A fresh window for the active device from a plain N button stages
	// the device's ssh prefix before the button's own command.
	if parsed.NewWindow && !parsed.Device && activeDevice != "" && !parsed.ForceLocal {
		if res, handled := e.stagedNewWindow(ctx, btn, activeDevice, resolved); handled {
			return res
		}
	}

	forceNew := parsed.NewWindow
	if parsed.Device && e.reg.TakeReinit(btn.Label) {
		forceNew = true
	}

	res := e.orchestrate(ctx, parsed, key, resolved, forceNew)
	if res.Failed() {
		return res
	}

	// Declaring "this is now the target" is a side effect of activation,
	// independent of whether a command ran. K-flagged buttons never touch
	// the pointer.
	if parsed.Device && !parsed.ForceLocal {
		e.reg.SetActiveDevice(btn.Label)
	}

	if parsed.MonitorDevice {
		e.sup.WatchConnectivity(key, btn.ID)
		res.State = StateMonitoring
	}
	if parsed.Keyword {
		if btn.MonitorKeyword == "" {
			log.Warn("keyword_flag_without_keyword", slog.Int("button_id", btn.ID))
		} else {
			e.sup.WatchKeyword(key, btn.ID, btn.MonitorKeyword)
			res.State = StateMonitoring
		}
	}
	if res.State != StateMonitoring {
		res.State = StateDone
	}
	return res
}

// resolveCommand expands placeholders against the process-wide variables
// and writes any seeded defaults through the store.
func (e *Engine) resolveCommand(ctx context.Context, template string) string {
	e.varsMu.Lock()
	res := button.Resolve(template, e.vars)
	seeded := res.Seeded
	e.varsMu.Unlock()

	for _, name := range res.Unset {
		log.Warn("unset_variable", slog.String("name", name))
	}
	if len(seeded) > 0 {
		if err := e.st.SetVariables(ctx, button.Variables(seeded)); err != nil {
			log.Warn("seed_writeback_failed", slog.String("error", err.Error()))
		}
	}
	return res.Resolved
}

// toggle flips the tagged Stopped/Running state for background (&) and
// record (*) buttons.
func (e *Engine) toggle(ctx context.Context, btn button.Config, key, resolved string) Result {
	if resolved == "" {
		return failed(key, "button %d has no command to toggle", btn.ID)
	}

	// Toggle state is per session key and command fingerprint, so two
	// toggle buttons sharing a key act independently.
	if e.toggles.running(key, resolved) {
		if err := e.toggles.stop(key, resolved); err != nil {
			return failed(key, "stop toggle: %v", err)
		}
		e.sup.SetBackgroundRunning(key, btn.ID, false)
		return Result{State: StateDone, SessionKey: key, Diagnostic: "stopped"}
	}

	if err := e.toggles.start(key, resolved); err != nil {
		return failed(key, "start toggle: %v", err)
	}
	e.sup.SetBackgroundRunning(key, btn.ID, true)
	return Result{State: StateDone, SessionKey: key, Diagnostic: "started"}
}

// stagedNewWindow creates a window styled like the active device, opens
// the device's ssh connection in it, then runs the button's command over
// that connection. Falls through (handled=false) when the device command
// has no ssh prefix; the button then runs locally in a plain new window.
func (e *Engine) stagedNewWindow(ctx context.Context, btn button.Config, activeDevice, resolved string) (Result, bool) {
	devBtn, devParsed, err := e.buttonByLabel(ctx, activeDevice)
	if err != nil {
		log.Warn("staged_window_no_device_button",
			slog.String("device", activeDevice),
			slog.String("error", err.Error()))
		return Result{}, false
	}
	devResolved := e.resolveCommand(ctx, devBtn.Command)
	sshCmd, ok := button.SSHPrefix(devResolved)
	if !ok {
		log.Warn("staged_window_no_ssh_prefix", slog.String("device", activeDevice))
		return Result{}, false
	}

	h, err := e.port.CreateSession(ctx)
	if err != nil {
		return failed(activeDevice, "create staged window: %v", err), true
	}
	style := term.Style{
		Title:     activeDevice,
		BGColor:   devParsed.Color,
		TextColor: button.TextColor(devParsed.Color),
	}
	if err := e.port.StyleSession(ctx, h, style); err != nil {
		return failed(activeDevice, "style staged window: %v", err), true
	}
	if err := e.port.RunCommand(ctx, h, sshCmd); err != nil {
		return failed(activeDevice, "stage ssh: %v", err), true
	}
	if resolved != "" {
		if err := e.port.RunCommand(ctx, h, resolved); err != nil {
			return failed(activeDevice, "staged command: %v", err), true
		}
	}
	log.Info("staged_window",
		slog.String("device", activeDevice),
		slog.Int("button_id", btn.ID))
	return Result{State: StateDone, SessionKey: activeDevice}, true
}

func (e *Engine) buttonByLabel(ctx context.Context, label string) (button.Config, button.ParsedFlags, error) {
	buttons, err := e.st.ListButtons(ctx)
	if err != nil {
		return button.Config{}, button.ParsedFlags{}, err
	}
	for _, b := range buttons {
		if b.Label == label {
			return b, e.parse(b.Flags), nil
		}
	}
	return button.Config{}, button.ParsedFlags{}, store.ErrNotFound
}

// orchestrate is the reuse-or-create core. Reuse matches the recorded
// title exactly; the not-found fallback may accept the frontmost window
// as a last resort. A failed creation evicts the partial registry entry.
func (e *Engine) orchestrate(ctx context.Context, parsed button.ParsedFlags, key, resolved string, forceNew bool) Result {
	if !forceNew {
		if h, ok := e.findExisting(ctx, key); ok {
			return e.reuse(ctx, parsed, key, h, resolved)
		}
	}
	if resolved == "" && !parsed.Device {
		// Nothing to run and no device to stand up.
		return Result{State: StateDone, SessionKey: key, Diagnostic: "no command"}
	}
	return e.create(ctx, parsed, key, resolved)
}

// findExisting checks the registry first, then asks the port by title,
// then falls back to the frontmost window if its title happens to match.
func (e *Engine) findExisting(ctx context.Context, key string) (term.SessionHandle, bool) {
	if sess, ok := e.reg.Lookup(key); ok {
		h := term.SessionHandle{ID: sess.WindowID, Title: sess.Title}
		exists, err := e.port.SessionExists(ctx, h)
		if err == nil && exists {
			return h, true
		}
		// Stale entry: the backing window is gone.
		e.reg.Evict(key)
		e.sup.CancelSession(key)
	}

	h, err := e.port.FindSessionByTitle(ctx, key)
	if err == nil {
		e.reg.Put(registry.Session{Key: key, WindowID: h.ID, Title: key})
		return h, true
	}
	if !errors.Is(err, term.ErrNotFound) {
		return term.SessionHandle{}, false
	}

	front, err := e.port.FrontmostSession(ctx)
	if err == nil && front.Title == key {
		e.reg.Put(registry.Session{Key: key, WindowID: front.ID, Title: key})
		return front, true
	}
	return term.SessionHandle{}, false
}

// reuse focuses an existing session. A device button declaring itself is
// focus-only (no duplicate side effects on repeated presses); any other
// button types its command into the reused session.
func (e *Engine) reuse(ctx context.Context, parsed button.ParsedFlags, key string, h term.SessionHandle, resolved string) Result {
	if err := e.port.FocusSession(ctx, h); err != nil {
		if errors.Is(err, term.ErrNotFound) {
			e.reg.Evict(key)
			e.sup.CancelSession(key)
			return e.create(ctx, parsed, key, resolved)
		}
		return failed(key, "focus %s: %v", key, err)
	}

	if parsed.Device || resolved == "" {
		return Result{State: StateReusing, SessionKey: key, Diagnostic: "reused"}
	}
	if err := e.port.RunCommand(ctx, h, resolved); err != nil {
		return failed(key, "run in %s: %v", key, err)
	}
	return Result{State: StateReusing, SessionKey: key, Diagnostic: "reused"}
}

// create stands up a fresh session: create, style with the button's
// color table entry, title it with the session key, then execute.
func (e *Engine) create(ctx context.Context, parsed button.ParsedFlags, key, resolved string) Result {
	h, err := e.port.CreateSession(ctx)
	if err != nil {
		return failed(key, "create session: %v", err)
	}

	e.reg.Put(registry.Session{
		Key:       key,
		WindowID:  h.ID,
		Title:     key,
		BGColor:   parsed.Color,
		TextColor: button.TextColor(parsed.Color),
	})

	style := term.Style{
		Title:     key,
		BGColor:   parsed.Color,
		TextColor: button.TextColor(parsed.Color),
	}
	if err := e.port.StyleSession(ctx, h, style); err != nil {
		e.reg.Evict(key)
		return failed(key, "style session: %v", err)
	}
	if resolved != "" {
		if err := e.port.RunCommand(ctx, h, resolved); err != nil {
			e.reg.Evict(key)
			return failed(key, "execute in new session: %v", err)
		}
	}
	return Result{State: StateCreating, SessionKey: key, Diagnostic: "created"}
}

// recordVars are the variables edited by a long press on a record button.
var recordVars = []string{"SCENE", "RECPATH", "TAKE"}

// longPress routes to the edit flows: variable edit for V and record
// buttons, numeric-adjust arming for #, command edit for everything else.
func (e *Engine) longPress(ctx context.Context, btn button.Config, parsed button.ParsedFlags) Result {
	switch {
	case parsed.Record:
		return e.editVariables(ctx, btn, parsed, recordVars)
	case parsed.VarEdit:
		names := make([]string, 0, 4)
		for _, p := range button.Placeholders(btn.Command) {
			names = append(names, p.Name)
		}
		if len(names) == 0 {
			return failed("", "button %d has no placeholders to edit", btn.ID)
		}
		return e.editVariables(ctx, btn, parsed, names)
	case parsed.Numeric:
		return e.armNumeric(ctx, btn)
	default:
		return e.editCommand(ctx, btn)
	}
}

// editVariables prompts for each name in turn and writes changed values
// through the store. Cancelling one prompt skips that variable only. On a
// device button the device is marked for re-init so the next press
// re-runs its connection command with the new values.
func (e *Engine) editVariables(ctx context.Context, btn button.Config, parsed button.ParsedFlags, names []string) Result {
	defaults := make(map[string]string)
	for _, p := range button.Placeholders(btn.Command) {
		defaults[p.Name] = p.Default
	}

	changed := make(button.Variables)
	for _, name := range names {
		e.varsMu.Lock()
		current, ok := e.vars[name]
		e.varsMu.Unlock()
		if !ok {
			current = defaults[name]
		}

		value, err := e.port.Prompt(ctx, fmt.Sprintf("Enter value for %s:", name), current)
		if errors.Is(err, term.ErrCancelled) || errors.Is(err, term.ErrTimeout) {
			continue
		}
		if err != nil {
			return failed("", "prompt for %s: %v", name, err)
		}
		if value != current {
			changed[name] = value
		}
	}

	if len(changed) > 0 {
		e.varsMu.Lock()
		for k, v := range changed {
			e.vars[k] = v
		}
		e.varsMu.Unlock()
		if err := e.st.SetVariables(ctx, changed); err != nil {
			return failed("", "save variables: %v", err)
		}
		log.Info("variables_edited", slog.Int("count", len(changed)))
	}

	if parsed.Device {
		e.reg.MarkReinit(btn.Label)
	}
	return Result{State: StateDone, Diagnostic: fmt.Sprintf("%d variable(s) changed", len(changed))}
}

// armNumeric sets up numeric-adjust mode for a # button: prompts for a
// start value and step, stores the start into the variable, and arms
// NumericAdjust. The template must carry exactly one placeholder.
func (e *Engine) armNumeric(ctx context.Context, btn button.Config) Result {
	places := button.Placeholders(btn.Command)
	if len(places) != 1 {
		return failed("", "numeric button %d needs exactly one placeholder, has %d", btn.ID, len(places))
	}
	name := places[0].Name

	e.varsMu.Lock()
	current, ok := e.vars[name]
	e.varsMu.Unlock()
	if !ok {
		current = places[0].Default
	}
	if current == "" {
		current = "0"
	}

	if _, err := parseFloat(current); err != nil {
		answer, perr := e.port.Prompt(ctx, fmt.Sprintf("Enter START value for %s:", name), current)
		if perr != nil {
			return Result{State: StateDone, Diagnostic: "numeric setup cancelled"}
		}
		current = answer
	}
	start, err := parseFloat(current)
	if err != nil {
		log.Warn("numeric_bad_start", slog.String("value", current))
		start = 0
	}

	stepStr, err := e.port.Prompt(ctx, fmt.Sprintf("Enter INCREMENT for %s (e.g. 1 or -0.5):", name), "1")
	if err != nil {
		return Result{State: StateDone, Diagnostic: "numeric setup cancelled"}
	}
	step, err := parseFloat(stepStr)
	if err != nil {
		log.Warn("numeric_bad_step", slog.String("value", stepStr))
		step = 1
	}

	if err := e.SetVariable(ctx, name, formatFloat(start)); err != nil {
		return failed("", "save %s: %v", name, err)
	}

	e.numMu.Lock()
	e.numeric = &numericState{buttonID: btn.ID, varName: name, step: step, template: btn.Command}
	e.numMu.Unlock()

	log.Info("numeric_armed",
		slog.Int("button_id", btn.ID),
		slog.String("var", name),
		slog.Float64("start", start),
		slog.Float64("step", step))
	return Result{State: StateDone, Diagnostic: fmt.Sprintf("numeric mode armed for %s", name)}
}

// NumericAdjust bumps the armed numeric variable by delta steps and
// re-dispatches the resolved command to the current target session.
func (e *Engine) NumericAdjust(ctx context.Context, delta int) Result {
	e.numMu.Lock()
	num := e.numeric
	e.numMu.Unlock()
	if num == nil {
		return failed("", "numeric mode not armed")
	}

	e.varsMu.Lock()
	val, err := parseFloat(e.vars[num.varName])
	if err != nil {
		val = 0
	}
	val += num.step * float64(delta)
	e.vars[num.varName] = formatFloat(val)
	e.varsMu.Unlock()

	if err := e.st.SetVariables(ctx, button.Variables{num.varName: formatFloat(val)}); err != nil {
		log.Warn("numeric_writeback_failed", slog.String("error", err.Error()))
	}

	resolved := e.resolveCommand(ctx, num.template)
	key := e.reg.ActiveDevice()
	if key == "" {
		key = registry.LocalKey
	}
	unlock := e.reg.LockKey(key)
	defer unlock()

	h, ok := e.findExisting(ctx, key)
	if !ok {
		return e.create(ctx, button.ParsedFlags{Color: "#000000"}, key, resolved)
	}
	if err := e.port.RunCommand(ctx, h, resolved); err != nil {
		return failed(key, "numeric adjust run: %v", err)
	}
	logging.Aggregate(logging.CompDispatch, "numeric_adjust")
	return Result{State: StateExecuting, SessionKey: key}
}

// DisarmNumeric leaves numeric-adjust mode.
func (e *Engine) DisarmNumeric() {
	e.numMu.Lock()
	e.numeric = nil
	e.numMu.Unlock()
}

// editCommand prompts to edit a plain button's command and persists the
// change through the store.
func (e *Engine) editCommand(ctx context.Context, btn button.Config) Result {
	label := btn.Label
	if label == "" {
		label = fmt.Sprintf("Button %d", btn.ID)
	}
	edited, err := e.port.Prompt(ctx, fmt.Sprintf("Edit command for %q:", label), btn.Command)
	if errors.Is(err, term.ErrCancelled) || errors.Is(err, term.ErrTimeout) {
		return Result{State: StateDone, Diagnostic: "edit cancelled"}
	}
	if err != nil {
		return failed("", "edit prompt: %v", err)
	}
	if edited == btn.Command {
		return Result{State: StateDone, Diagnostic: "command unchanged"}
	}

	btn.Command = edited
	if err := e.st.UpdateButton(ctx, btn); err != nil {
		return failed("", "save command: %v", err)
	}

	// New templates can introduce new defaults.
	e.varsMu.Lock()
	button.SeedFromButtons([]button.Config{btn}, e.vars)
	e.varsMu.Unlock()

	log.Info("command_edited", slog.Int("button_id", btn.ID))
	return Result{State: StateDone, Diagnostic: "command updated"}
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
