package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// Bots resolves bot credentials. Only a SHA-256 digest of each token is
// stored.
type Bots struct {
	db *sql.DB
}

// NewBots creates a bot store backed by db.
func NewBots(db *sql.DB) *Bots {
	return &Bots{db: db}
}

// HashToken returns the hex SHA-256 digest stored for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ResolveBotToken returns the bot user id for token, or "" if unknown.
func (b *Bots) ResolveBotToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := b.db.QueryRowContext(ctx, `SELECT user_id FROM bots WHERE token_hash = $1`, HashToken(token)).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: resolve bot token: %w", err)
	}
	return userID, nil
}

// RegisterBot stores the digest of token for userID, replacing any previous
// token.
func (b *Bots) RegisterBot(ctx context.Context, userID, token string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bots (user_id, token_hash) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET token_hash = EXCLUDED.token_hash`,
		userID, HashToken(token))
	if err != nil {
		return fmt.Errorf("store: register bot: %w", err)
	}
	return nil
}
