package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// SQLite is a persistent single-host Backend. Expiry is checked on read, and
// PurgeExpired removes dead rows in bulk.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at);
`

// SQLiteOption configures a SQLite backend.
type SQLiteOption func(*SQLite)

// WithSQLiteClock overrides the time source used for expiry.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) { s.now = now }
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One connection serializes writers, which keeps Update transactions
	// free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements Backend.
func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

func (s *SQLite) expired(expiresAt int64) bool {
	return expiresAt != 0 && s.now().UnixNano() > expiresAt
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}

	if s.expired(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ? AND expires_at = ?`, key, expiresAt)
		return nil, ErrNotFound
	}
	return value, nil
}

// Set implements Backend.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, value, s.now().UTC(), s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("store set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, k); err != nil {
			return fmt.Errorf("store delete: %w", err)
		}
	}
	return nil
}

// Update implements Backend inside a single transaction.
func (s *SQLite) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var expiresAt int64
	found := true
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&current, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return fmt.Errorf("store update: %w", err)
	case s.expired(expiresAt):
		found = false
		current = nil
	}

	next, err := fn(current, found)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, next, s.now().UTC(), s.expiry(ttl),
	); err != nil {
		return fmt.Errorf("store update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store update commit: %w", err)
	}
	return nil
}

// DeletePrefix implements Backend.
func (s *SQLite) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE substr(key, 1, ?) = ?`, utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("store delete prefix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store delete prefix: %w", err)
	}
	return int(n), nil
}

// PurgeExpired removes every expired row and returns how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at != 0 AND expires_at < ?`, s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("store purge: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements Backend.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
