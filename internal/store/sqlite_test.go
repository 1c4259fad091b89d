package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/asheshgoplani/deck-driver/internal/button"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "deckdriver.db")
	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestButtonRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	btn := button.Config{
		ID:             3,
		Label:          "BUILD",
		Command:        "make -C {{DIR:/src}} all",
		Flags:          "R16@",
		MonitorKeyword: "BUILD OK",
	}
	if err := s.UpdateButton(ctx, btn); err != nil {
		t.Fatalf("UpdateButton: %v", err)
	}

	got, err := s.GetButton(ctx, 3)
	if err != nil {
		t.Fatalf("GetButton: %v", err)
	}
	if got != btn {
		t.Fatalf("GetButton = %+v, want %+v", got, btn)
	}

	btn.Command = "make clean"
	if err := s.UpdateButton(ctx, btn); err != nil {
		t.Fatalf("UpdateButton (replace): %v", err)
	}
	got, err = s.GetButton(ctx, 3)
	if err != nil {
		t.Fatalf("GetButton after replace: %v", err)
	}
	if got.Command != "make clean" {
		t.Fatalf("Command = %q after replace", got.Command)
	}
}

func TestGetButtonNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetButton(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListButtonsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int{7, 2, 5} {
		if err := s.UpdateButton(ctx, button.Config{ID: id, Label: "B"}); err != nil {
			t.Fatalf("UpdateButton %d: %v", id, err)
		}
	}
	btns, err := s.ListButtons(ctx)
	if err != nil {
		t.Fatalf("ListButtons: %v", err)
	}
	if len(btns) != 3 {
		t.Fatalf("got %d buttons, want 3", len(btns))
	}
	for i, want := range []int{2, 5, 7} {
		if btns[i].ID != want {
			t.Errorf("btns[%d].ID = %d, want %d", i, btns[i].ID, want)
		}
	}
}

func TestVariablesUpsertKeepsOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetVariables(ctx, button.Variables{"HOST": "box1", "USER": "root"}); err != nil {
		t.Fatalf("SetVariables: %v", err)
	}
	// Partial write must not touch HOST.
	if err := s.SetVariables(ctx, button.Variables{"USER": "deploy"}); err != nil {
		t.Fatalf("SetVariables (partial): %v", err)
	}

	vars, err := s.GetVariables(ctx)
	if err != nil {
		t.Fatalf("GetVariables: %v", err)
	}
	if vars["HOST"] != "box1" || vars["USER"] != "deploy" {
		t.Fatalf("vars = %v", vars)
	}
}

func TestButtonStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := DisplayState{
		Connectivity: "connected",
		KeywordFound: true,
		UpdatedAt:    time.Unix(1700000000, 0).UTC(),
	}
	if err := s.SetButtonState(ctx, 4, state); err != nil {
		t.Fatalf("SetButtonState: %v", err)
	}
	got, err := s.GetButtonState(ctx, 4)
	if err != nil {
		t.Fatalf("GetButtonState: %v", err)
	}
	if got.Connectivity != "connected" || !got.KeywordFound {
		t.Fatalf("state = %+v", got)
	}
	if !got.UpdatedAt.Equal(state.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, state.UpdatedAt)
	}
}

func TestDeleteButton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateButton(ctx, button.Config{ID: 1, Label: "X"}); err != nil {
		t.Fatalf("UpdateButton: %v", err)
	}
	if err := s.DeleteButton(ctx, 1); err != nil {
		t.Fatalf("DeleteButton: %v", err)
	}
	if err := s.DeleteButton(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deckdriver.db")
	ctx := context.Background()

	s1, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s1.UpdateButton(ctx, button.Config{ID: 9, Label: "DEPLOY"}); err != nil {
		t.Fatalf("UpdateButton: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetButton(ctx, 9)
	if err != nil {
		t.Fatalf("GetButton after reopen: %v", err)
	}
	if got.Label != "DEPLOY" {
		t.Fatalf("Label = %q", got.Label)
	}
}
