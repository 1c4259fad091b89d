package term

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
)

// Sentinel errors surfaced by automation calls.
var (
	// ErrNotFound means no window matched (find) or the backing window
	// is gone (style/focus/run/snapshot on a stale handle).
	ErrNotFound = errors.New("terminal session not found")

	// ErrTimeout means an automation call did not complete within its
	// bound. Queries may be retried once; keystroke calls never are.
	ErrTimeout = errors.New("terminal automation timed out")

	// ErrCancelled means the user declined or dismissed a dialog.
	ErrCancelled = errors.New("cancelled by user")
)

// SessionHandle identifies one terminal window managed by the port.
type SessionHandle struct {
	ID    string // port-assigned identity, stable while the window lives
	Title string // custom title at the time the handle was obtained
}

// Style is the visual styling applied to a session window.
type Style struct {
	Title     string
	BGColor   string // "#RRGGBB"
	TextColor string // "black" or "white"
}

// Port is the terminal automation capability the dispatcher and the
// monitor supervisor consume. Implementations serialize keystroke-level
// calls through a shared Gate; structured queries may run concurrently.
type Port interface {
	// FindSessionByTitle locates a window whose title equals title
	// exactly. Returns ErrNotFound on no match.
	FindSessionByTitle(ctx context.Context, title string) (SessionHandle, error)

	// FrontmostSession returns the currently focused window, the
	// last-resort fallback when an exact title match fails.
	FrontmostSession(ctx context.Context) (SessionHandle, error)

	// CreateSession opens a new terminal window.
	CreateSession(ctx context.Context) (SessionHandle, error)

	// StyleSession applies title and colors to a window.
	StyleSession(ctx context.Context, h SessionHandle, style Style) error

	// FocusSession brings a window to the front.
	FocusSession(ctx context.Context, h SessionHandle) error

	// RunCommand submits text to the window and executes it.
	RunCommand(ctx context.Context, h SessionHandle, text string) error

	// SnapshotContent returns the window's visible content.
	SnapshotContent(ctx context.Context, h SessionHandle) (string, error)

	// SessionExists reports whether the window is still alive.
	SessionExists(ctx context.Context, h SessionHandle) (bool, error)

	// Confirm shows an OK/Cancel dialog. Declining returns false, nil.
	Confirm(ctx context.Context, message string) (bool, error)

	// Prompt shows a text input dialog with a default answer. Returns
	// ErrCancelled or ErrTimeout when the user dismissed it.
	Prompt(ctx context.Context, message, defaultAnswer string) (string, error)
}

// NewPort selects the platform port: Terminal.app automation on macOS,
// tmux everywhere else.
func NewPort(gate *Gate) Port {
	if runtime.GOOS == "darwin" {
		if _, err := exec.LookPath("osascript"); err == nil {
			return NewMacPort(gate)
		}
	}
	return NewTmuxPort(gate)
}
