package term

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SessionPrefix namespaces driver-owned tmux sessions.
const SessionPrefix = "deckdriver_"

// snapshotTTL is how long a captured pane stays fresh; monitor loops and
// dispatch often snapshot the same session within one tick.
const snapshotTTL = 500 * time.Millisecond

// enterDelay separates literal send-keys from the Enter key. tmux 3.2+
// wraps -l sends in bracketed paste; without the delay the Enter lands in
// the same PTY buffer and gets swallowed by TUI programs.
const enterDelay = 100 * time.Millisecond

// TmuxPort drives detached tmux sessions. One tmux session per driver
// session key; the session name encodes the title.
type TmuxPort struct {
	gate *Gate

	mu     sync.Mutex
	byID   map[string]string // handle id -> tmux session name
	titles map[string]string // handle id -> title

	snapMu   sync.Mutex
	snapSf   singleflight.Group
	snapData map[string]snapEntry
}

type snapEntry struct {
	content string
	taken   time.Time
}

// NewTmuxPort builds a tmux-backed port sharing the given gate.
func NewTmuxPort(gate *Gate) *TmuxPort {
	return &TmuxPort{
		gate:     gate,
		byID:     make(map[string]string),
		titles:   make(map[string]string),
		snapData: make(map[string]snapEntry),
	}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sessionName maps a title to a tmux-safe session name. tmux rejects
// '.' and ':' in targets.
func sessionName(title string) string {
	return SessionPrefix + unsafeNameChars.ReplaceAllString(title, "_")
}

func (p *TmuxPort) handleFor(name, title string) SessionHandle {
	h := SessionHandle{ID: uuid.NewString(), Title: title}
	p.mu.Lock()
	p.byID[h.ID] = name
	p.titles[h.ID] = title
	p.mu.Unlock()
	return h
}

func (p *TmuxPort) nameFor(h SessionHandle) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.byID[h.ID]
	return name, ok
}

// FindSessionByTitle matches driver-owned sessions by exact title.
func (p *TmuxPort) FindSessionByTitle(ctx context.Context, title string) (SessionHandle, error) {
	want := sessionName(title)
	var found bool
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
		if err != nil {
			// No server running means no sessions at all.
			return nil
		}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line == want {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return SessionHandle{}, err
	}
	if !found {
		return SessionHandle{}, ErrNotFound
	}
	return p.handleFor(want, title), nil
}

// FrontmostSession returns the session of the most recently attached
// client, when one exists.
func (p *TmuxPort) FrontmostSession(ctx context.Context) (SessionHandle, error) {
	var name string
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "tmux", "display-message", "-p", "#{session_name}").Output()
		if err != nil {
			return ErrNotFound
		}
		name = strings.TrimSpace(string(out))
		if name == "" || !strings.HasPrefix(name, SessionPrefix) {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return SessionHandle{}, err
	}
	return p.handleFor(name, strings.TrimPrefix(name, SessionPrefix)), nil
}

// CreateSession opens a detached session with a placeholder name; the
// following StyleSession renames it to its title.
func (p *TmuxPort) CreateSession(ctx context.Context) (SessionHandle, error) {
	name := SessionPrefix + "new_" + uuid.NewString()[:8]
	workDir, err := os.UserHomeDir()
	if err != nil {
		workDir = "/"
	}
	err = p.gate.Keystroke(ctx, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", name, "-c", workDir).CombinedOutput()
		if err != nil {
			return fmt.Errorf("tmux new-session: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
		// Large scrollback so keyword monitors can see long output.
		_ = exec.CommandContext(ctx, "tmux",
			"set-option", "-t", name, "history-limit", "10000", ";",
			"set-option", "-t", name, "-q", "allow-passthrough", "on").Run()
		return nil
	})
	if err != nil {
		return SessionHandle{}, err
	}
	log.Info("session_created", slog.String("name", name))
	return p.handleFor(name, ""), nil
}

// StyleSession renames the session to its title and colors its status bar.
func (p *TmuxPort) StyleSession(ctx context.Context, h SessionHandle, style Style) error {
	name, ok := p.nameFor(h)
	if !ok {
		return ErrNotFound
	}
	newName := sessionName(style.Title)

	fg := "#FFFFFF"
	if style.TextColor == "black" {
		fg = "#000000"
	}

	err := p.gate.Query(ctx, func(ctx context.Context) error {
		if name != newName {
			out, err := exec.CommandContext(ctx, "tmux", "rename-session", "-t", name, newName).CombinedOutput()
			if err != nil {
				if strings.Contains(string(out), "session not found") {
					return ErrNotFound
				}
				return fmt.Errorf("tmux rename-session: %w", err)
			}
		}
		return exec.CommandContext(ctx, "tmux",
			"set-option", "-t", newName, "status-style", fmt.Sprintf("bg=%s,fg=%s", style.BGColor, fg), ";",
			"set-option", "-t", newName, "status-left", " "+style.Title+" ").Run()
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.byID[h.ID] = newName
	p.titles[h.ID] = style.Title
	p.mu.Unlock()
	return nil
}

// FocusSession switches the attached client to the session. Without an
// attached client there is nothing to focus; that is not an error for a
// detached driver.
func (p *TmuxPort) FocusSession(ctx context.Context, h SessionHandle) error {
	name, ok := p.nameFor(h)
	if !ok {
		return ErrNotFound
	}
	return p.gate.Keystroke(ctx, func(ctx context.Context) error {
		_ = exec.CommandContext(ctx, "tmux", "switch-client", "-t", name).Run()
		return nil
	})
}

// RunCommand types the text literally and submits it. Literal mode (-l)
// prevents tmux interpreting key names inside the command.
func (p *TmuxPort) RunCommand(ctx context.Context, h SessionHandle, text string) error {
	name, ok := p.nameFor(h)
	if !ok {
		return ErrNotFound
	}
	p.invalidateSnapshot(name)
	return p.gate.Keystroke(ctx, func(ctx context.Context) error {
		if err := exec.CommandContext(ctx, "tmux", "send-keys", "-l", "-t", name, "--", text).Run(); err != nil {
			return fmt.Errorf("tmux send-keys: %w", err)
		}
		time.Sleep(enterDelay)
		if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "Enter").Run(); err != nil {
			return fmt.Errorf("tmux send-keys Enter: %w", err)
		}
		return nil
	})
}

// SnapshotContent captures the visible pane. Concurrent callers for the
// same session are deduplicated and share a short-lived cache.
func (p *TmuxPort) SnapshotContent(ctx context.Context, h SessionHandle) (string, error) {
	name, ok := p.nameFor(h)
	if !ok {
		return "", ErrNotFound
	}

	p.snapMu.Lock()
	if e, ok := p.snapData[name]; ok && time.Since(e.taken) < snapshotTTL {
		p.snapMu.Unlock()
		return e.content, nil
	}
	p.snapMu.Unlock()

	v, err, _ := p.snapSf.Do(name, func() (interface{}, error) {
		var content string
		err := p.gate.Query(ctx, func(ctx context.Context) error {
			out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", name, "-p", "-J").Output()
			if err != nil {
				return ErrNotFound
			}
			content = string(out)
			return nil
		})
		if err != nil {
			return "", err
		}
		p.snapMu.Lock()
		p.snapData[name] = snapEntry{content: content, taken: time.Now()}
		p.snapMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *TmuxPort) invalidateSnapshot(name string) {
	p.snapMu.Lock()
	delete(p.snapData, name)
	p.snapMu.Unlock()
}

// SessionExists checks the backing tmux session.
func (p *TmuxPort) SessionExists(ctx context.Context, h SessionHandle) (bool, error) {
	name, ok := p.nameFor(h)
	if !ok {
		return false, nil
	}
	exists := false
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		exists = exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
		return nil
	})
	return exists, err
}

// Confirm shows an OK/Cancel popup in the attached client.
func (p *TmuxPort) Confirm(ctx context.Context, message string) (bool, error) {
	answer, err := p.popup(ctx, fmt.Sprintf("%s [y/N] ", message))
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// Prompt shows a text input popup in the attached client.
func (p *TmuxPort) Prompt(ctx context.Context, message, defaultAnswer string) (string, error) {
	answer, err := p.popup(ctx, message+" ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return defaultAnswer, nil
	}
	return strings.TrimSpace(answer), nil
}

// popup runs a read loop in a tmux popup, writing the answer to a spool
// file the driver polls. Requires an attached client.
func (p *TmuxPort) popup(ctx context.Context, message string) (string, error) {
	tmp, err := os.CreateTemp("", "deckdriver-dialog-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	script := popupScript(message, tmpPath)

	err = p.gate.Dialog(ctx, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "tmux", "display-popup", "-E", "sh", "-c", script).CombinedOutput()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return ErrTimeout
			}
			if strings.Contains(string(out), "no current client") {
				return ErrCancelled
			}
			return fmt.Errorf("tmux display-popup: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", ErrCancelled
	}
	return string(data), nil
}

// popupScript builds the popup shell. The message and spool path enter
// the script single-quoted; the answer and the default never enter it at
// all, so no user value is shell-expanded.
func popupScript(message, spoolPath string) string {
	return fmt.Sprintf(`printf '%%s' %s; read -r a; printf '%%s' "$a" > %s`,
		shellQuote(message), shellQuote(spoolPath))
}

// shellQuote single-quotes s for sh, with embedded quotes spliced out.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
