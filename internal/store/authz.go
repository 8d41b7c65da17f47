package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Authz answers permission questions from the guild tables.
type Authz struct {
	db *sql.DB
}

// NewAuthz creates a permission store backed by db.
func NewAuthz(db *sql.DB) *Authz {
	return &Authz{db: db}
}

// CanManageMessages reports whether userID owns guildID or holds the
// manage-messages or administrator permission in it.
func (a *Authz) CanManageMessages(ctx context.Context, userID, guildID string) (bool, error) {
	if guildID == "" {
		return false, nil
	}

	const query = `
		SELECT g.owner_id = $2
		    OR COALESCE(m.permissions & $3, 0) <> 0
		FROM guilds g
		LEFT JOIN guild_members m ON m.guild_id = g.id AND m.user_id = $2
		WHERE g.id = $1`

	var allowed bool
	err := a.db.QueryRowContext(ctx, query, guildID, userID, PermManageMessages|PermAdministrator).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: can manage messages: %w", err)
	}
	return allowed, nil
}

// CreateGuild inserts a guild owned by ownerID.
func (a *Authz) CreateGuild(ctx context.Context, guildID, ownerID string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO guilds (id, owner_id) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id`,
		guildID, ownerID)
	if err != nil {
		return fmt.Errorf("store: create guild: %w", err)
	}
	return nil
}

// SetMember adds userID to guildID with the given permission bits.
func (a *Authz) SetMember(ctx context.Context, guildID, userID string, permissions int64) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO guild_members (guild_id, user_id, permissions) VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET permissions = EXCLUDED.permissions`,
		guildID, userID, permissions)
	if err != nil {
		return fmt.Errorf("store: set member: %w", err)
	}
	return nil
}
