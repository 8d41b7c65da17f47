package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one row of the enforcement audit log.
type Entry struct {
	UserID     string
	MessageID  string
	Type       string
	DurationMs int64
	Reason     string
	Tier       string
	Severity   string
	CreatedAt  time.Time
}

// Enforcements is the append-only enforcement audit log.
type Enforcements struct {
	db *sql.DB
}

// NewEnforcements creates an audit log backed by db.
func NewEnforcements(db *sql.DB) *Enforcements {
	return &Enforcements{db: db}
}

// Record appends e to the log.
func (s *Enforcements) Record(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO enforcements (user_id, message_id, type, duration_ms, reason, tier, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, e.UserID, e.MessageID, e.Type, e.DurationMs, e.Reason, e.Tier, e.Severity)
	if err != nil {
		return fmt.Errorf("store: record enforcement: %w", err)
	}
	return nil
}

// CountRecent returns how many enforcements userID received within window.
func (s *Enforcements) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM enforcements
		WHERE user_id = $1
		  AND created_at >= NOW() - make_interval(secs => $2)`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, window.Seconds()).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count enforcements: %w", err)
	}
	return count, nil
}
