package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fieldsync/internal/domain"
)

const leaseName = "processing"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queue_snapshot (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  data BLOB NOT NULL,
  action_count INTEGER NOT NULL DEFAULT 0,
  saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS queue_lease (
  name TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS action_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action_id TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('completed','failed','conflict')),
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_action_attempts_action ON action_attempts(action_id, id);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite keeps the snapshot in a single row so every Save is one atomic statement.
type SQLite struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// NewSQLite wraps an open database. The caller keeps ownership of db.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// OpenSQLite opens (or creates) the database file at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	s := NewSQLite(db)
	s.owned = true
	return s, nil
}

// OpenSQLiteReadOnly opens an existing database without creating or migrating it.
func OpenSQLiteReadOnly(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s read-only: %w", path, err)
	}
	s := NewSQLite(db)
	s.owned = true
	return s, nil
}

// DB returns the underlying database connection.
func (r *SQLite) DB() *sql.DB { return r.db }

func (r *SQLite) Load(ctx context.Context) ([]domain.QueuedAction, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM queue_snapshot WHERE id=1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (r *SQLite) Save(ctx context.Context, actions []domain.QueuedAction) error {
	data, err := encodeSnapshot(actions)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO queue_snapshot (id, data, action_count, saved_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET data=excluded.data, action_count=excluded.action_count, saved_at=excluded.saved_at
`, data, len(actions))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *SQLite) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (acquired bool, err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !acquired {
			_ = tx.Rollback()
		}
	}()

	now := r.now()
	var holder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM queue_lease WHERE name=?`, leaseName).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return false, err
	case holder != owner && expiresAt > now.UnixMilli():
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO queue_lease (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
`, leaseName, owner, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *SQLite) ReleaseLease(ctx context.Context, owner string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queue_lease WHERE name=? AND owner=?`, leaseName, owner)
	return err
}

func (r *SQLite) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO action_attempts (action_id, started_at, finished_at, outcome, error) VALUES (?,?,?,?,?)
`, a.ActionID, a.StartedAt.UTC(), a.FinishedAt.UTC(), a.Outcome, a.Error)
	return err
}

func (r *SQLite) ListAttempts(ctx context.Context, actionID string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT action_id, started_at, finished_at, outcome, COALESCE(error, '')
FROM action_attempts WHERE action_id=? ORDER BY id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ActionID, &a.StartedAt, &a.FinishedAt, &a.Outcome, &a.Error); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *SQLite) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}
