package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/config"
	"github.com/asheshgoplani/deck-driver/internal/store"
	"github.com/asheshgoplani/deck-driver/internal/term"
)

func TestWriteAndWatchPressEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWatcher(dir)
	require.NoError(t, err)
	defer w.Stop()
	go w.Start()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, WritePressEvent(dir, PressEvent{ButtonID: 7, Long: true}))

	select {
	case ev := <-w.Events():
		assert.Equal(t, 7, ev.ButtonID)
		assert.True(t, ev.Long)
		assert.False(t, ev.At.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	// The spool file must be cleaned up after delivery.
	deadline := time.Now().Add(time.Second)
	for {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("spool not cleaned, %d files remain", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherDrainsLeftoverEvents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePressEvent(dir, PressEvent{ButtonID: 2}))

	w, err := NewEventWatcher(dir)
	require.NoError(t, err)
	defer w.Stop()
	go w.Start()

	select {
	case ev := <-w.Events():
		assert.Equal(t, 2, ev.ButtonID)
	case <-time.After(3 * time.Second):
		t.Fatal("leftover event not drained")
	}
}

func TestUnparseableEventRemoved(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWatcher(dir)
	require.NoError(t, err)
	defer w.Stop()
	go w.Start()
	time.Sleep(50 * time.Millisecond)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(bad); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("unparseable event file not removed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// recordPort is the minimal port the driver test needs: it accepts every
// automation call and remembers the commands it ran.
type recordPort struct {
	ran chan string
}

func (p *recordPort) FindSessionByTitle(ctx context.Context, title string) (term.SessionHandle, error) {
	return term.SessionHandle{}, term.ErrNotFound
}
func (p *recordPort) FrontmostSession(ctx context.Context) (term.SessionHandle, error) {
	return term.SessionHandle{}, term.ErrNotFound
}
func (p *recordPort) CreateSession(ctx context.Context) (term.SessionHandle, error) {
	return term.SessionHandle{ID: "w1"}, nil
}
func (p *recordPort) StyleSession(ctx context.Context, h term.SessionHandle, style term.Style) error {
	return nil
}
func (p *recordPort) FocusSession(ctx context.Context, h term.SessionHandle) error { return nil }
func (p *recordPort) RunCommand(ctx context.Context, h term.SessionHandle, text string) error {
	p.ran <- text
	return nil
}
func (p *recordPort) SnapshotContent(ctx context.Context, h term.SessionHandle) (string, error) {
	return "", nil
}
func (p *recordPort) SessionExists(ctx context.Context, h term.SessionHandle) (bool, error) {
	return false, nil
}
func (p *recordPort) Confirm(ctx context.Context, message string) (bool, error) { return true, nil }
func (p *recordPort) Prompt(ctx context.Context, message, def string) (string, error) {
	return def, nil
}

func TestDriverDispatchesSpooledPress(t *testing.T) {
	home := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(home, "deckdriver.db"))
	require.NoError(t, err)
	require.NoError(t, st.UpdateButton(context.Background(), button.Config{
		ID:      1,
		Label:   "ECHO",
		Command: "echo {{MSG:hello}}",
	}))

	eventsDir := filepath.Join(home, "events")
	port := &recordPort{ran: make(chan string, 4)}
	cfg := config.Default()
	d, err := NewWithDeps(cfg, st, port, eventsDir)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, WritePressEvent(eventsDir, PressEvent{ButtonID: 1}))

	select {
	case cmd := <-port.ran:
		assert.Equal(t, "echo hello", cmd)
	case <-time.After(3 * time.Second):
		t.Fatal("press was not dispatched")
	}

	// Template default seeded into the store by the dispatch.
	vars, err := st.GetVariables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", vars["MSG"])
}

func TestSeedVariablesFirstSeenWins(t *testing.T) {
	home := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(home, "deckdriver.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.UpdateButton(ctx, button.Config{ID: 1, Command: "ssh {{USER:root}}@a"}))
	require.NoError(t, st.UpdateButton(ctx, button.Config{ID: 2, Command: "ssh {{USER:admin}}@b"}))

	vars, err := seedVariables(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "root", vars["USER"], "lowest button id's default wins")

	stored, err := st.GetVariables(ctx)
	require.NoError(t, err)
	assert.Equal(t, "root", stored["USER"])
}
