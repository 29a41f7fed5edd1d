// Package sqlite provides SQLite-based persistent storage for tallyd.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/ledger.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Identity mirror. Accounts are created lazily on first authenticated
		// contact and never deleted by this core.
		`CREATE TABLE IF NOT EXISTS users (
			user_id    TEXT PRIMARY KEY,
			username   TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
			ON users(email) WHERE email != ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username
			ON users(username) WHERE username != ''`,

		// Credit allocations. Balance is always recomputed as the sum of
		// remaining_credits over non-expired rows — no cached balance field.
		`CREATE TABLE IF NOT EXISTS credit_allocations (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL REFERENCES users(user_id),
			total_credits     INTEGER NOT NULL,
			remaining_credits INTEGER NOT NULL,
			allocated_by      TEXT NOT NULL,
			created_at        INTEGER NOT NULL,
			expires_at        INTEGER,
			notes             TEXT,
			CHECK (remaining_credits >= 0 AND remaining_credits <= total_credits)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alloc_user ON credit_allocations(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alloc_expires ON credit_allocations(user_id, expires_at)`,

		// Streaming sessions. Rows are retained after settlement for audit
		// and replay detection.
		`CREATE TABLE IF NOT EXISTS streaming_sessions (
			session_id           TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL REFERENCES users(user_id),
			model_id             TEXT NOT NULL,
			estimated_tokens     INTEGER NOT NULL,
			allocated_credits    INTEGER NOT NULL,
			status               TEXT NOT NULL,
			needs_reconciliation BOOLEAN NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			settled_at           INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON streaming_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON streaming_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON streaming_sessions(created_at)`,

		// Append-only usage log. Never updated, never deleted.
		`CREATE TABLE IF NOT EXISTS usage_records (
			id        TEXT PRIMARY KEY,
			user_id   TEXT NOT NULL REFERENCES users(user_id),
			timestamp INTEGER NOT NULL,
			service   TEXT NOT NULL,
			operation TEXT NOT NULL,
			credits   INTEGER NOT NULL,
			metadata  TEXT,
			CHECK (credits >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
