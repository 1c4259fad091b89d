package driver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/config"
	"github.com/asheshgoplani/deck-driver/internal/dispatch"
	"github.com/asheshgoplani/deck-driver/internal/monitor"
	"github.com/asheshgoplani/deck-driver/internal/registry"
	"github.com/asheshgoplani/deck-driver/internal/store"
	"github.com/asheshgoplani/deck-driver/internal/term"
)

// Driver is the long-running daemon: it owns the store, the session
// registry, the monitor supervisor, and the dispatch engine, and feeds
// them press events from the spool directory.
type Driver struct {
	cfg    *config.Config
	st     store.Store
	reg    *registry.Registry
	sup    *monitor.Supervisor
	engine *dispatch.Engine

	events     *EventWatcher
	cfgWatcher *config.Watcher
}

// OpenStore picks the backend from config: an HTTP endpoint when api_url
// is set, otherwise a local SQLite file.
func OpenStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.APIURL != "" {
		return store.NewHTTPStore(cfg.Store.APIURL, 0), nil
	}
	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.HomeDir(), "deckdriver.db")
	}
	return store.OpenSQLite(dbPath)
}

// New wires a driver from config, building the automation port on the
// shared keystroke gate.
func New(cfg *config.Config) (*Driver, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	gate := term.NewGate(term.GateConfig{
		KeystrokeTimeout: time.Duration(cfg.Term.KeystrokeTimeoutSecs) * time.Second,
		QueryTimeout:     time.Duration(cfg.Term.QueryTimeoutSecs) * time.Second,
		DialogTimeout:    time.Duration(cfg.Term.DialogTimeoutSecs) * time.Second,
		KeystrokesPerSec: cfg.Term.KeystrokesPerSec,
	})
	return NewWithDeps(cfg, st, term.NewPort(gate), config.EventsDir())
}

// NewWithDeps wires a driver with explicit store, port, and spool
// directory. Used by New and by tests.
func NewWithDeps(cfg *config.Config, st store.Store, port term.Port, eventsDir string) (*Driver, error) {
	reg := registry.New()
	sup := monitor.New(monitor.Config{
		ConnectivityInterval: time.Duration(cfg.Monitor.ConnectivityIntervalSecs) * time.Second,
		KeywordInterval:      time.Duration(cfg.Monitor.KeywordIntervalSecs) * time.Second,
		KeepWatching:         cfg.Monitor.KeepWatching,
		Notify:               cfg.Monitor.Notify,
	}, port, st, reg)

	parser := button.NewParser(button.Palette{
		Default:  cfg.Palette.Default,
		Priority: cfg.Palette.Priority,
		Colors:   cfg.Palette.Colors,
	}, cfg.Display.DefaultFontSize, cfg.Display.MaxFontSize)

	vars, err := seedVariables(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}

	events, err := NewEventWatcher(eventsDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Driver{
		cfg:    cfg,
		st:     st,
		reg:    reg,
		sup:    sup,
		engine: dispatch.New(st, reg, port, sup, parser, vars),
		events: events,
	}, nil
}

// seedVariables loads stored variables and backfills defaults found in
// the button templates, first-seen default winning.
func seedVariables(ctx context.Context, st store.Store) (button.Variables, error) {
	vars, err := st.GetVariables(ctx)
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	buttons, err := st.ListButtons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buttons: %w", err)
	}

	before := len(vars)
	button.SeedFromButtons(buttons, vars)
	if len(vars) > before {
		if err := st.SetVariables(ctx, vars); err != nil {
			return nil, fmt.Errorf("write seeded variables: %w", err)
		}
		log.Info("variables_seeded",
			slog.Int("total", len(vars)),
			slog.Int("seeded", len(vars)-before))
	}
	return vars, nil
}

// Engine exposes the dispatch engine for the CLI subcommands.
func (d *Driver) Engine() *dispatch.Engine {
	return d.engine
}

// Run consumes press events until ctx is cancelled. Config file changes
// are picked up live for everything that can change without a restart.
func (d *Driver) Run(ctx context.Context) error {
	go d.events.Start()
	defer d.events.Stop()

	if w, err := config.NewWatcher(config.Path()); err == nil {
		d.cfgWatcher = w
		go w.Start()
		defer w.Close()
	} else {
		log.Warn("config_watch_failed", slog.String("error", err.Error()))
	}

	log.Info("driver_started", slog.String("events_dir", d.events.dir))
	for {
		var reload <-chan struct{}
		if d.cfgWatcher != nil {
			reload = d.cfgWatcher.Reload()
		}

		select {
		case <-ctx.Done():
			return nil

		case ev := <-d.events.Events():
			// Presses for different buttons run concurrently; the
			// engine itself rejects overlapping presses per button.
			go func(ev PressEvent) {
				res := d.engine.Press(ctx, ev.ButtonID, ev.Long)
				log.Info("press_handled",
					slog.Int("button_id", ev.ButtonID),
					slog.Bool("long", ev.Long),
					slog.String("state", res.State.String()),
					slog.String("session_key", res.SessionKey))
			}(ev)

		case <-reload:
			d.reloadConfig()
		}
	}
}

func (d *Driver) reloadConfig() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	d.cfg = cfg
	d.engine.SetParser(button.NewParser(button.Palette{
		Default:  cfg.Palette.Default,
		Priority: cfg.Palette.Priority,
		Colors:   cfg.Palette.Colors,
	}, cfg.Display.DefaultFontSize, cfg.Display.MaxFontSize))
	log.Info("config_reloaded")
}

// Close releases everything Run left open.
func (d *Driver) Close() {
	d.sup.Shutdown()
	d.engine.Shutdown()
	d.events.Stop()
	if err := d.st.Close(); err != nil {
		log.Warn("store_close_failed", slog.String("error", err.Error()))
	}
}
