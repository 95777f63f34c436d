// Package sqlite implements the engine's persistence port on an embedded
// SQLite database for single-node and development use.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/port/database"
)

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		agent_id       TEXT NOT NULL,
		agent_type     TEXT NOT NULL DEFAULT '',
		project_id     TEXT NOT NULL DEFAULT '',
		goal           TEXT NOT NULL,
		state          TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		failure_detail TEXT NOT NULL DEFAULT '',
		current_step   INTEGER NOT NULL DEFAULT 0,
		steps          TEXT NOT NULL DEFAULT '[]',
		context        TEXT,
		modified_files TEXT NOT NULL DEFAULT '[]',
		tokens_in      INTEGER NOT NULL DEFAULT 0,
		tokens_out     INTEGER NOT NULL DEFAULT 0,
		cost_usd       REAL NOT NULL DEFAULT 0,
		budget_limit   REAL NOT NULL DEFAULT 0,
		max_steps      INTEGER NOT NULL DEFAULT 0,
		version        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		completed_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id           TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		step_number  INTEGER NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		state        BLOB NOT NULL,
		rollback     BLOB NOT NULL,
		automatic    INTEGER NOT NULL DEFAULT 0,
		digest       TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, step_number, created_at)`,
	`CREATE TABLE IF NOT EXISTS hooks (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		lifecycle   TEXT NOT NULL,
		action      TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		priority    INTEGER NOT NULL DEFAULT 50,
		condition   TEXT,
		payload     TEXT NOT NULL DEFAULT '',
		rule        TEXT NOT NULL DEFAULT '',
		project_id  TEXT NOT NULL DEFAULT '',
		origin      TEXT NOT NULL DEFAULT 'user',
		seq         INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL DEFAULT '',
		project_id   TEXT NOT NULL DEFAULT '',
		execution_id TEXT NOT NULL DEFAULT '',
		action       TEXT NOT NULL,
		category     TEXT NOT NULL,
		severity     TEXT NOT NULL,
		message      TEXT NOT NULL DEFAULT '',
		details      TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_execution ON audit_logs(execution_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_ledger (
		user_id       TEXT NOT NULL,
		day           TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_micros   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS budget_limits (
		user_id    TEXT PRIMARY KEY,
		daily      REAL,
		monthly    REAL,
		updated_at TEXT NOT NULL
	)`,
}

// Store implements database.Store on SQLite.
type Store struct {
	db           *sql.DB
	revertTables map[string]bool
}

var _ database.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database. revertTables is the allow-list
// of tables RevertDBChange may touch.
func Open(ctx context.Context, path string, revertTables ...string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}

	allowed := make(map[string]bool, len(revertTables))
	for _, t := range revertTables {
		allowed[t] = true
	}
	return &Store{db: db, revertTables: allowed}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// notFoundWrap maps sql.ErrNoRows to domain.ErrNotFound.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne returns domain.ErrNotFound when the statement touched no row.
func execExpectOne(res sql.Result, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return nil
}

// isConstraintViolation reports a primary key or unique constraint failure.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
