package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Display.DefaultFontSize != 13 {
		t.Errorf("DefaultFontSize = %d, want 13", cfg.Display.DefaultFontSize)
	}
	if cfg.Palette.Colors["R"] != "#FF0000" {
		t.Errorf("palette R = %q", cfg.Palette.Colors["R"])
	}
	if len(cfg.Palette.Priority) == 0 {
		t.Error("empty priority order")
	}
}

func TestLoadSparseFileBackfillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[display]
default_font_size = 16

[monitor]
connectivity_interval_secs = 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Display.DefaultFontSize != 16 {
		t.Errorf("DefaultFontSize = %d, want 16", cfg.Display.DefaultFontSize)
	}
	if cfg.Monitor.ConnectivityIntervalSecs != 10 {
		t.Errorf("ConnectivityIntervalSecs = %d, want 10", cfg.Monitor.ConnectivityIntervalSecs)
	}
	// Untouched sections keep defaults.
	if cfg.Term.QueryTimeoutSecs != 3 {
		t.Errorf("QueryTimeoutSecs = %d, want 3", cfg.Term.QueryTimeoutSecs)
	}
	if cfg.Palette.Default != "#000000" {
		t.Errorf("palette default = %q", cfg.Palette.Default)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("[palette\nbroken"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	// Still returns usable defaults.
	if cfg == nil || cfg.Display.DefaultFontSize != 13 {
		t.Errorf("expected defaults on parse error, got %+v", cfg)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg := Default()
	cfg.Monitor.KeepWatching = true
	cfg.Store.APIURL = "http://localhost:8384"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Monitor.KeepWatching {
		t.Error("KeepWatching not persisted")
	}
	if got.Store.APIURL != "http://localhost:8384" {
		t.Errorf("APIURL = %q", got.Store.APIURL)
	}
}

func TestWatcherSignalsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := Save(Default(), path); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	go w.Start()

	// Atomic-rename save, the pattern the watcher must survive.
	cfg := Default()
	cfg.Logs.Level = "debug"
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Reload():
	case <-time.After(3 * time.Second):
		t.Fatal("no reload signal after config rewrite")
	}
}
