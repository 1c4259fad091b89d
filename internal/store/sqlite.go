package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/deck-driver/internal/button"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// SQLiteStore keeps button definitions, session variables, and display
// state in a local SQLite file. Thread-safe within one process; multiple
// processes can share the file via WAL mode + busy timeout (the renderer
// reads display state while the driver writes it).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the store at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store_opened", slog.String("path", dbPath))
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS buttons (
			id              INTEGER PRIMARY KEY,
			label           TEXT NOT NULL DEFAULT '',
			command         TEXT NOT NULL DEFAULT '',
			flags           TEXT NOT NULL DEFAULT '',
			monitor_keyword TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("store: create buttons: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS variables (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("store: create variables: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS button_state (
			id         INTEGER PRIMARY KEY,
			state      TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("store: create button_state: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListButtons(ctx context.Context) ([]button.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, command, flags, monitor_keyword
		FROM buttons ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list buttons: %w", err)
	}
	defer rows.Close()

	var out []button.Config
	for rows.Next() {
		var b button.Config
		if err := rows.Scan(&b.ID, &b.Label, &b.Command, &b.Flags, &b.MonitorKeyword); err != nil {
			return nil, fmt.Errorf("store: scan button: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetButton(ctx context.Context, id int) (button.Config, error) {
	var b button.Config
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, command, flags, monitor_keyword
		FROM buttons WHERE id = ?
	`, id).Scan(&b.ID, &b.Label, &b.Command, &b.Flags, &b.MonitorKeyword)
	if errors.Is(err, sql.ErrNoRows) {
		return button.Config{}, ErrNotFound
	}
	if err != nil {
		return button.Config{}, fmt.Errorf("store: get button %d: %w", id, err)
	}
	return b, nil
}

func (s *SQLiteStore) UpdateButton(ctx context.Context, btn button.Config) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO buttons (id, label, command, flags, monitor_keyword)
		VALUES (?, ?, ?, ?, ?)
	`, btn.ID, btn.Label, btn.Command, btn.Flags, btn.MonitorKeyword)
	if err != nil {
		return fmt.Errorf("store: update button %d: %w", btn.ID, err)
	}
	return nil
}

// DeleteButton removes a button definition and its display state.
func (s *SQLiteStore) DeleteButton(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buttons WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete button %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM button_state WHERE id = ?`, id)
	return nil
}

func (s *SQLiteStore) GetVariables(ctx context.Context) (button.Variables, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM variables`)
	if err != nil {
		return nil, fmt.Errorf("store: get variables: %w", err)
	}
	defer rows.Close()

	vars := make(button.Variables)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("store: scan variable: %w", err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

// SetVariables upserts the given variables. Names absent from vars are
// left alone so resolver default seeding never clobbers unrelated edits.
func (s *SQLiteStore) SetVariables(ctx context.Context, vars button.Variables) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set variables: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for name, value := range vars {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO variables (name, value) VALUES (?, ?)
		`, name, value); err != nil {
			return fmt.Errorf("store: set variable %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetButtonState(ctx context.Context, id int, state DisplayState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO button_state (id, state, updated_at) VALUES (?, ?, ?)
	`, id, string(blob), state.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: set state %d: %w", id, err)
	}
	return nil
}

// GetButtonState reads back the display state for one button.
func (s *SQLiteStore) GetButtonState(ctx context.Context, id int) (DisplayState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM button_state WHERE id = ?
	`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return DisplayState{}, ErrNotFound
	}
	if err != nil {
		return DisplayState{}, fmt.Errorf("store: get state %d: %w", id, err)
	}
	var state DisplayState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return DisplayState{}, fmt.Errorf("store: unmarshal state %d: %w", id, err)
	}
	return state, nil
}
