package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for driver preferences.
const FileName = "config.toml"

// Config is the user-facing driver configuration.
// The color palette and flag priority order live here, not in code:
// button styling must be tunable without a rebuild and the historical
// palettes differed between device revisions.
type Config struct {
	// Palette maps base-color flag characters to hex colors and fixes
	// the priority order used when a flag string carries several.
	Palette PaletteConfig `toml:"palette"`

	// Display holds font-size bounds for button labels.
	Display DisplayConfig `toml:"display"`

	// Monitor holds poll intervals for background monitor tasks.
	Monitor MonitorConfig `toml:"monitor"`

	// Term holds timeouts and pacing for terminal automation calls.
	Term TermConfig `toml:"term"`

	// Store selects the button store backend.
	Store StoreConfig `toml:"store"`

	// Logs defines log output settings.
	Logs LogConfig `toml:"logs"`
}

// PaletteConfig defines the base-color table for flag parsing.
type PaletteConfig struct {
	// Default is the background used when no base-color flag matches.
	Default string `toml:"default"`

	// Priority is the order in which base-color flags are considered;
	// the first flag character present in the flag string wins.
	Priority []string `toml:"priority"`

	// Colors maps flag character to "#RRGGBB".
	Colors map[string]string `toml:"colors"`
}

// DisplayConfig holds label rendering bounds.
type DisplayConfig struct {
	DefaultFontSize int `toml:"default_font_size"`
	MaxFontSize     int `toml:"max_font_size"`
}

// MonitorConfig holds monitor supervisor settings.
type MonitorConfig struct {
	// ConnectivityIntervalSecs is the device liveness poll interval.
	ConnectivityIntervalSecs int `toml:"connectivity_interval_secs"`

	// KeywordIntervalSecs is the keyword scan poll interval.
	KeywordIntervalSecs int `toml:"keyword_interval_secs"`

	// KeepWatching keeps a keyword task polling after its first match
	// instead of stopping at the sticky state.
	KeepWatching bool `toml:"keep_watching"`

	// Notify sends a desktop notification on keyword hits and broken
	// device connectivity.
	Notify bool `toml:"notify"`
}

// TermConfig holds automation port settings.
type TermConfig struct {
	// QueryTimeoutSecs bounds structured queries (find, exists, snapshot).
	QueryTimeoutSecs int `toml:"query_timeout_secs"`

	// KeystrokeTimeoutSecs bounds keystroke-level calls (run, focus, dialogs).
	KeystrokeTimeoutSecs int `toml:"keystroke_timeout_secs"`

	// KeystrokesPerSec paces keystroke-level calls through the global gate.
	KeystrokesPerSec float64 `toml:"keystrokes_per_sec"`

	// DialogTimeoutSecs bounds confirm/prompt dialogs.
	DialogTimeoutSecs int `toml:"dialog_timeout_secs"`
}

// StoreConfig selects the button store backend. When APIURL is set the
// driver talks to the external config API; otherwise it opens the local
// sqlite database under the driver home.
type StoreConfig struct {
	APIURL string `toml:"api_url"`
	DBPath string `toml:"db_path"`
}

// LogConfig defines log output settings.
type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	MaxSizeMB int    `toml:"max_size_mb"`
}

// Default returns the built-in configuration. The palette is the most
// complete historical color table; priority order is fixed so parsing
// stays order-independent of the flag string itself.
func Default() *Config {
	return &Config{
		Palette: PaletteConfig{
			Default:  "#000000",
			Priority: []string{"R", "G", "B", "O", "Y", "P", "S", "F", "W", "L"},
			Colors: map[string]string{
				"R": "#FF0000",
				"G": "#00FF00",
				"B": "#0066CC",
				"O": "#FF9900",
				"Y": "#FFFF00",
				"P": "#FFC0CB",
				"S": "#00FFFF",
				"F": "#808080",
				"W": "#FFFFFF",
				"L": "#FDF6E3",
			},
		},
		Display: DisplayConfig{
			DefaultFontSize: 13,
			MaxFontSize:     28,
		},
		Monitor: MonitorConfig{
			ConnectivityIntervalSecs: 3,
			KeywordIntervalSecs:      2,
			KeepWatching:             false,
			Notify:                   true,
		},
		Term: TermConfig{
			QueryTimeoutSecs:     3,
			KeystrokeTimeoutSecs: 5,
			KeystrokesPerSec:     4,
			DialogTimeoutSecs:    60,
		},
		Store: StoreConfig{},
		Logs: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var (
	homeOnce   sync.Once
	homeCached string
)

// HomeDir returns the driver home directory (~/.deck-driver), honoring the
// DECKDRIVER_HOME override. The directory is created on first use.
func HomeDir() string {
	homeOnce.Do(func() {
		if dir := os.Getenv("DECKDRIVER_HOME"); dir != "" {
			homeCached = dir
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			homeCached = filepath.Join(home, ".deck-driver")
		}
		_ = os.MkdirAll(homeCached, 0o700)
	})
	return homeCached
}

// Path returns the config file path under the driver home.
func Path() string {
	return filepath.Join(HomeDir(), FileName)
}

// EventsDir returns the press-event spool directory under the driver home.
func EventsDir() string {
	return filepath.Join(HomeDir(), "events")
}

// Load reads the config file at path, applying defaults for anything the
// file does not set. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyBounds()
	return cfg, nil
}

// applyBounds backfills zero values so a sparse config file still yields a
// usable configuration.
func (c *Config) applyBounds() {
	def := Default()
	if c.Palette.Default == "" {
		c.Palette.Default = def.Palette.Default
	}
	if len(c.Palette.Priority) == 0 {
		c.Palette.Priority = def.Palette.Priority
	}
	if len(c.Palette.Colors) == 0 {
		c.Palette.Colors = def.Palette.Colors
	}
	if c.Display.DefaultFontSize <= 0 {
		c.Display.DefaultFontSize = def.Display.DefaultFontSize
	}
	if c.Display.MaxFontSize <= 0 {
		c.Display.MaxFontSize = def.Display.MaxFontSize
	}
	if c.Monitor.ConnectivityIntervalSecs <= 0 {
		c.Monitor.ConnectivityIntervalSecs = def.Monitor.ConnectivityIntervalSecs
	}
	if c.Monitor.KeywordIntervalSecs <= 0 {
		c.Monitor.KeywordIntervalSecs = def.Monitor.KeywordIntervalSecs
	}
	if c.Term.QueryTimeoutSecs <= 0 {
		c.Term.QueryTimeoutSecs = def.Term.QueryTimeoutSecs
	}
	if c.Term.KeystrokeTimeoutSecs <= 0 {
		c.Term.KeystrokeTimeoutSecs = def.Term.KeystrokeTimeoutSecs
	}
	if c.Term.KeystrokesPerSec <= 0 {
		c.Term.KeystrokesPerSec = def.Term.KeystrokesPerSec
	}
	if c.Term.DialogTimeoutSecs <= 0 {
		c.Term.DialogTimeoutSecs = def.Term.DialogTimeoutSecs
	}
	if c.Logs.Level == "" {
		c.Logs.Level = def.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = def.Logs.Format
	}
}

// Save writes the config atomically (temp file + rename).
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), FileName+".*")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
