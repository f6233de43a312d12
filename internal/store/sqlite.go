// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and maps driver errors to store errors

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
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that lexical order matches chronological order
// in SQL comparisons and ORDER BY clauses.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers inside the process and keeps
	// :memory: databases shared between callers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			workspace_id  TEXT NOT NULL,
			customer_id   TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			tags_json     TEXT,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,

			PRIMARY KEY (workspace_id, customer_id)
		);

		CREATE TABLE IF NOT EXISTS conversation_states (
			workspace_id    TEXT NOT NULL,
			customer_id     TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			state           TEXT NOT NULL,
			context_json    TEXT NOT NULL,
			version         INTEGER NOT NULL,
			turns           INTEGER NOT NULL DEFAULT 0,
			last_inbound_at TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (workspace_id, customer_id),
			FOREIGN KEY (workspace_id, customer_id) REFERENCES customers(workspace_id, customer_id)
		);

		CREATE INDEX IF NOT EXISTS idx_states_state ON conversation_states(workspace_id, state);

		CREATE TABLE IF NOT EXISTS interactions (
			interaction_id TEXT PRIMARY KEY,
			workspace_id   TEXT NOT NULL,
			customer_id    TEXT NOT NULL,
			event_id       TEXT,
			direction      TEXT NOT NULL,
			channel        TEXT NOT NULL DEFAULT '',
			intent         TEXT NOT NULL DEFAULT '',
			content_json   TEXT,
			state          TEXT NOT NULL,
			operator_id    TEXT,
			created_at     TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_interactions_customer
			ON interactions(workspace_id, customer_id, created_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_event
			ON interactions(workspace_id, customer_id, event_id)
			WHERE event_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS queue_entries (
			entry_id        TEXT PRIMARY KEY,
			workspace_id    TEXT NOT NULL,
			customer_id     TEXT NOT NULL,
			status          TEXT NOT NULL,
			priority        INTEGER NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			operator_id     TEXT,
			lock_expires_at TEXT,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			resolved_at     TEXT,

			CHECK (status IN ('waiting', 'locked', 'done', 'cancelled')),
			CHECK (priority IN (1, 2, 3)),
			CHECK (status != 'locked' OR (operator_id IS NOT NULL AND lock_expires_at IS NOT NULL)),
			CHECK (status = 'locked' OR (operator_id IS NULL AND lock_expires_at IS NULL))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_customer
			ON queue_entries(workspace_id, customer_id)
			WHERE status IN ('waiting', 'locked');

		CREATE INDEX IF NOT EXISTS idx_queue_waiting
			ON queue_entries(workspace_id, status, priority DESC, created_at);

		CREATE INDEX IF NOT EXISTS idx_queue_operator
			ON queue_entries(workspace_id, operator_id) WHERE status = 'locked';

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id     TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			actor        TEXT NOT NULL,
			action       TEXT NOT NULL,
			target_type  TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			ts           TEXT NOT NULL,
			detail_json  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(workspace_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversation_states",
			column: "turns",
			apply:  `ALTER TABLE conversation_states ADD COLUMN turns INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "conversation_states",
			column: "last_inbound_at",
			apply:  `ALTER TABLE conversation_states ADD COLUMN last_inbound_at TEXT`,
		},
		{
			table:  "interactions",
			column: "intent",
			apply:  `ALTER TABLE interactions ADD COLUMN intent TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error. Busy/locked driver errors are reported as ErrTransient.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// classify tags driver-level busy errors so callers can retry them.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// isBusy checks if the error is a SQLite busy or locked condition
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// formatTime renders a timestamp in the fixed-width UTC layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a timestamp written by formatTime.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullTime parses an optional timestamp column.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes an optional JSON column; nil values stay NULL.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// unmarshalMap decodes an optional JSON object column.
func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
