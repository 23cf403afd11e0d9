// Package tracker keeps a SQLite ledger of granted token debits and answers
// daily aggregate queries over it.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livebs/governor/pkg/models"
)

// Tracker records granted token debits and answers aggregate queries over them.
type Tracker interface {
	// Record stores a usage event.
	Record(ctx context.Context, ev models.UsageEvent) error
	// QueryByUser returns a user's events since a given time, newest first.
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageEvent, error)
	// TotalByUser returns total tokens debited to a user since a given time.
	TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error)
	// Summary aggregates all users' events in [from, to).
	Summary(ctx context.Context, from, to time.Time) (models.DailySummary, error)
	// TopUsers returns the heaviest users in [from, to), at most limit rows.
	TopUsers(ctx context.Context, from, to time.Time, limit int) ([]models.UserUsage, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS token_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	request_type TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_token_events_user_time ON token_events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_token_events_time ON token_events(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// DayBounds returns the start and end of day (YYYY-MM-DD) in loc, in UTC.
func DayBounds(day string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse day %q: %w", day, err)
	}
	end := time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
	return start.UTC(), end.UTC(), nil
}

// Record stores a usage event. A zero CreatedAt means now.
func (t *SQLiteTracker) Record(ctx context.Context, ev models.UsageEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO token_events (user_id, tokens, request_type, created_at) VALUES (?, ?, ?, ?)`,
		ev.UserID, ev.Tokens, ev.RequestType, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByUser returns a user's events since a given time.
func (t *SQLiteTracker) QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageEvent, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, user_id, tokens, request_type, created_at
		 FROM token_events WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		userID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Tokens, &ev.RequestType, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TotalByUser returns total tokens debited to a user since a given time.
func (t *SQLiteTracker) TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM token_events WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary aggregates every event in [from, to). Date and DailyLimitPerUser
// are left for the caller.
func (t *SQLiteTracker) Summary(ctx context.Context, from, to time.Time) (models.DailySummary, error) {
	var s models.DailySummary
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id), COALESCE(SUM(tokens), 0), COUNT(*)
		 FROM token_events WHERE created_at >= ? AND created_at < ?`,
		from.UTC(), to.UTC(),
	).Scan(&s.ActiveUsers, &s.TotalTokens, &s.TotalRequests)
	if err != nil {
		return models.DailySummary{}, fmt.Errorf("summary: %w", err)
	}
	if s.ActiveUsers > 0 {
		s.AverageTokensPerUser = float64(s.TotalTokens) / float64(s.ActiveUsers)
	}
	return s, nil
}

// TopUsers returns users ordered by tokens used in [from, to).
func (t *SQLiteTracker) TopUsers(ctx context.Context, from, to time.Time, limit int) ([]models.UserUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT user_id, COUNT(*), SUM(tokens)
		 FROM token_events WHERE created_at >= ? AND created_at < ?
		 GROUP BY user_id ORDER BY SUM(tokens) DESC, user_id LIMIT ?`,
		from.UTC(), to.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	var users []models.UserUsage
	for rows.Next() {
		var u models.UserUsage
		if err := rows.Scan(&u.UserID, &u.RequestCount, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan top user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
