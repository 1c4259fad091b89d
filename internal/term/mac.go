package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// MacPort drives Terminal.app through osascript. Windows are identified
// by AppleScript window id and located by custom title.
type MacPort struct {
	gate *Gate
}

// NewMacPort builds a Terminal.app-backed port sharing the given gate.
func NewMacPort(gate *Gate) *MacPort {
	return &MacPort{gate: gate}
}

// escapeAS makes a string safe inside a double-quoted AppleScript literal.
// Smart quotes from spreadsheet-sourced commands are normalized first.
func escapeAS(s string) string {
	s = strings.ReplaceAll(s, "“", `"`)
	s = strings.ReplaceAll(s, "”", `"`)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// hexToASColor converts "#RRGGBB" to an AppleScript {r,g,b} color with
// 16-bit channels.
func hexToASColor(hex string) string {
	r, g, b := 0, 0, 0
	if _, err := fmt.Sscanf(strings.TrimPrefix(hex, "#"), "%02x%02x%02x", &r, &g, &b); err != nil {
		return "{0,0,0}"
	}
	return fmt.Sprintf("{%d,%d,%d}", r*257, g*257, b*257)
}

// runOSA feeds a script to osascript. Exit status carrying the user-cancel
// or dialog-timeout AppleScript error codes maps onto the port sentinels.
func runOSA(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-")
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrTimeout
		}
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		if strings.Contains(stderr, "(-128)") {
			return "", ErrCancelled
		}
		if strings.Contains(stderr, "(-1712)") {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("osascript: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *MacPort) FindSessionByTitle(ctx context.Context, title string) (SessionHandle, error) {
	script := fmt.Sprintf(`tell application "Terminal"
	repeat with w in windows
		if custom title of w is "%s" then return id of w
	end repeat
	return "NOT_FOUND"
end tell`, escapeAS(title))

	var windowID string
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		windowID = out
		return nil
	})
	if err != nil {
		return SessionHandle{}, err
	}
	if windowID == "NOT_FOUND" || windowID == "" {
		return SessionHandle{}, ErrNotFound
	}
	return SessionHandle{ID: windowID, Title: title}, nil
}

func (p *MacPort) FrontmostSession(ctx context.Context) (SessionHandle, error) {
	script := `tell application "Terminal"
	if (count of windows) is 0 then return "NOT_FOUND"
	return (id of front window as text) & linefeed & (custom title of front window as text)
end tell`

	var out string
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		var err error
		out, err = runOSA(ctx, script)
		return err
	})
	if err != nil {
		return SessionHandle{}, err
	}
	if out == "NOT_FOUND" {
		return SessionHandle{}, ErrNotFound
	}
	parts := strings.SplitN(out, "\n", 2)
	h := SessionHandle{ID: strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		h.Title = strings.TrimSpace(parts[1])
	}
	return h, nil
}

func (p *MacPort) CreateSession(ctx context.Context) (SessionHandle, error) {
	// Tag the fresh window with a marker title so a racing create cannot
	// hand us someone else's front window.
	marker := "deckdriver-new-" + uuid.NewString()[:8]
	script := fmt.Sprintf(`tell application "Terminal"
	do script ""
	set custom title of front window to "%s"
	return id of front window
end tell`, marker)

	var windowID string
	err := p.gate.Keystroke(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		windowID = out
		return nil
	})
	if err != nil {
		return SessionHandle{}, err
	}
	log.Info("window_created", slog.String("window_id", windowID))
	return SessionHandle{ID: windowID}, nil
}

func (p *MacPort) StyleSession(ctx context.Context, h SessionHandle, style Style) error {
	text := "{65535,65535,65535}"
	if style.TextColor == "black" {
		text = "{0,0,0}"
	}
	script := fmt.Sprintf(`tell application "Terminal"
	if not (exists window id %s) then return "GONE"
	set custom title of window id %s to "%s"
	set background color of selected tab of window id %s to %s
	set normal text color of selected tab of window id %s to %s
	return "OK"
end tell`, h.ID, h.ID, escapeAS(style.Title), h.ID, hexToASColor(style.BGColor), h.ID, text)

	return p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		if out == "GONE" {
			return ErrNotFound
		}
		return nil
	})
}

func (p *MacPort) FocusSession(ctx context.Context, h SessionHandle) error {
	script := fmt.Sprintf(`tell application "Terminal"
	if not (exists window id %s) then return "GONE"
	activate
	set frontmost of window id %s to true
	return "OK"
end tell`, h.ID, h.ID)

	return p.gate.Keystroke(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		if out == "GONE" {
			return ErrNotFound
		}
		return nil
	})
}

func (p *MacPort) RunCommand(ctx context.Context, h SessionHandle, text string) error {
	script := fmt.Sprintf(`tell application "Terminal"
	if not (exists window id %s) then return "GONE"
	do script "%s" in window id %s
	return "OK"
end tell`, h.ID, escapeAS(text), h.ID)

	return p.gate.Keystroke(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		if out == "GONE" {
			return ErrNotFound
		}
		return nil
	})
}

// SnapshotContent reads the visible tab contents. When Terminal declines
// the direct read (older automation permissions), it falls back to a
// select-all copy through the system clipboard; the previous clipboard
// contents are restored on every exit path.
func (p *MacPort) SnapshotContent(ctx context.Context, h SessionHandle) (string, error) {
	script := fmt.Sprintf(`tell application "Terminal"
	if not (exists window id %s) then return "GONE"
	return contents of selected tab of window id %s
end tell`, h.ID, h.ID)

	var content string
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		if out == "GONE" {
			return ErrNotFound
		}
		content = out
		return nil
	})
	if err == nil {
		return content, nil
	}
	if errors.Is(err, ErrNotFound) {
		return "", err
	}
	return p.snapshotViaClipboard(ctx, h)
}

// snapshotViaClipboard focuses the window and copies its contents with
// cmd-A cmd-C. The clipboard is a global resource shared with the user,
// so the prior contents are saved first and restored unconditionally.
func (p *MacPort) snapshotViaClipboard(ctx context.Context, h SessionHandle) (string, error) {
	saved, err := SaveClipboard()
	if err != nil {
		return "", fmt.Errorf("save clipboard: %w", err)
	}
	defer saved.Restore()

	script := fmt.Sprintf(`tell application "Terminal"
	if not (exists window id %s) then return "GONE"
	activate
	set frontmost of window id %s to true
end tell
tell application "System Events" to tell process "Terminal"
	keystroke "a" using command down
	keystroke "c" using command down
end tell
delay 0.2
return "OK"`, h.ID, h.ID)

	var content string
	err = p.gate.Keystroke(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		if out == "GONE" {
			return ErrNotFound
		}
		content, err = readClipboard()
		return err
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (p *MacPort) SessionExists(ctx context.Context, h SessionHandle) (bool, error) {
	script := fmt.Sprintf(`tell application "Terminal" to return exists window id %s`, h.ID)
	exists := false
	err := p.gate.Query(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		exists = out == "true"
		return nil
	})
	return exists, err
}

func (p *MacPort) Confirm(ctx context.Context, message string) (bool, error) {
	script := fmt.Sprintf(
		`display dialog "%s" buttons {"Cancel", "OK"} default button "OK" with icon caution`,
		escapeAS(message))

	confirmed := false
	err := p.gate.Dialog(ctx, func(ctx context.Context) error {
		_, err := runOSA(ctx, script)
		if errors.Is(err, ErrCancelled) {
			return nil // declined is a clean no, not an error
		}
		if err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	return confirmed, err
}

func (p *MacPort) Prompt(ctx context.Context, message, defaultAnswer string) (string, error) {
	script := fmt.Sprintf(
		`set d to display dialog "%s" default answer "%s" buttons {"Cancel", "OK"} default button "OK" giving up after 60
if gave up of d then error number -1712
return text returned of d`,
		escapeAS(message), escapeAS(defaultAnswer))

	var answer string
	err := p.gate.Dialog(ctx, func(ctx context.Context) error {
		out, err := runOSA(ctx, script)
		if err != nil {
			return err
		}
		answer = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}
