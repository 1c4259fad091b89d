package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// fingerprint identifies a command for toggle tracking. Two buttons with
// the same resolved command on one session key share toggle state.
func fingerprint(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])[:12]
}

// proc is one running background process.
type proc struct {
	cmd         *exec.Cmd
	tty         *os.File
	fingerprint string
	started     time.Time
	done        chan struct{}
}

// toggleKey scopes toggle state to one command on one session key, so
// two toggle buttons sharing a target never flip each other.
type toggleKey struct {
	session string
	fp      string
}

// toggles is the tagged Stopped/Running state for the background and
// record flags. Running carries the process handle, so a finished
// process can clear its own entry and a stale flag can never outlive
// the process it described.
type toggles struct {
	mu    sync.Mutex
	procs map[toggleKey]*proc
}

func newToggles() *toggles {
	return &toggles{procs: make(map[toggleKey]*proc)}
}

// running reports whether command is already running on key.
func (t *toggles) running(key, command string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[toggleKey{key, fingerprint(command)}]
	return ok
}

// start launches command under a pty in its own process group and tracks
// it on key. The pty keeps programs that refuse to run without a terminal
// (recorders, ssh with -t) working.
func (t *toggles) start(key, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk := toggleKey{key, fingerprint(command)}
	if _, ok := t.procs[tk]; ok {
		return fmt.Errorf("toggle for %s already running", key)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	tty, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start background: %w", err)
	}

	p := &proc{
		cmd:         cmd,
		tty:         tty,
		fingerprint: tk.fp,
		started:     time.Now(),
		done:        make(chan struct{}),
	}
	t.procs[tk] = p

	go func() {
		// Drain the pty so the child never blocks on a full buffer.
		buf := make([]byte, 4096)
		for {
			if _, err := tty.Read(buf); err != nil {
				break
			}
		}
		err := cmd.Wait()
		tty.Close()
		close(p.done)

		t.mu.Lock()
		if t.procs[tk] == p {
			delete(t.procs, tk)
		}
		t.mu.Unlock()
		log.Info("background_exited",
			slog.String("session_key", key),
			slog.Int("pid", cmd.Process.Pid),
			slog.Bool("clean", err == nil),
			slog.Duration("ran", time.Since(p.started)))
	}()

	log.Info("background_started",
		slog.String("session_key", key),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("fingerprint", p.fingerprint))
	return nil
}

// stop terminates command's process on key with SIGTERM to its process
// group and waits briefly for it to exit. Missing entry is a no-op.
func (t *toggles) stop(key, command string) error {
	return t.stopEntry(toggleKey{key, fingerprint(command)})
}

func (t *toggles) stopEntry(tk toggleKey) error {
	t.mu.Lock()
	p, ok := t.procs[tk]
	if ok {
		delete(t.procs, tk)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	// Negative pid addresses the whole process group (Setsid above).
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate background: %w", err)
	}
	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
	}
	return nil
}

// stopAll terminates every running toggle. Called on shutdown.
func (t *toggles) stopAll() {
	t.mu.Lock()
	keys := make([]toggleKey, 0, len(t.procs))
	for k := range t.procs {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	for _, k := range keys {
		_ = t.stopEntry(k)
	}
}
