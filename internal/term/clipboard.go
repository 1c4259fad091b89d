package term

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

type clipboardTools struct {
	read  []string
	write []string
}

// pickClipboardTools finds a paste/copy pair for the current platform.
func pickClipboardTools() (clipboardTools, error) {
	if runtime.GOOS == "darwin" {
		return clipboardTools{read: []string{"pbpaste"}, write: []string{"pbcopy"}}, nil
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		if _, err := exec.LookPath("wl-paste"); err == nil {
			return clipboardTools{
				read:  []string{"wl-paste", "--no-newline"},
				write: []string{"wl-copy"},
			}, nil
		}
	}
	if _, err := exec.LookPath("xclip"); err == nil {
		return clipboardTools{
			read:  []string{"xclip", "-selection", "clipboard", "-o"},
			write: []string{"xclip", "-selection", "clipboard"},
		}, nil
	}
	return clipboardTools{}, errors.New("no clipboard tool found (need pbpaste, wl-paste, or xclip)")
}

func readClipboard() (string, error) {
	tools, err := pickClipboardTools()
	if err != nil {
		return "", err
	}
	out, err := exec.Command(tools.read[0], tools.read[1:]...).Output()
	if err != nil {
		// xclip and wl-paste exit nonzero when the clipboard is empty
		return "", nil
	}
	return string(out), nil
}

func writeClipboard(text string) error {
	tools, err := pickClipboardTools()
	if err != nil {
		return err
	}
	cmd := exec.Command(tools.write[0], tools.write[1:]...)
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}

// SavedClipboard holds clipboard contents captured before a scoped use.
type SavedClipboard struct {
	contents string
	restored bool
}

// SaveClipboard captures the current clipboard so a caller that needs it
// as a transfer channel can put it back afterwards.
func SaveClipboard() (*SavedClipboard, error) {
	contents, err := readClipboard()
	if err != nil {
		return nil, err
	}
	return &SavedClipboard{contents: contents}, nil
}

// Restore writes the saved contents back. Safe to call more than once;
// only the first call writes.
func (s *SavedClipboard) Restore() {
	if s == nil || s.restored {
		return
	}
	s.restored = true
	if err := writeClipboard(s.contents); err != nil {
		log.Warn("clipboard_restore_failed", slog.String("error", err.Error()))
	}
}
