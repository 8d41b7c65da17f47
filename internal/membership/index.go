// Package membership resolves which users belong to a guild. The sets live
// in Redis so that every gateway process sees the same membership:
//
//	Key:   guild_members:<guild_id>  (SET of user ids)
//	Key:   user_guilds:<user_id>     (SET of guild ids)
//	TTL:   refreshed on every write
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	GuildMembersPrefix = "guild_members:"
	UserGuildsPrefix   = "user_guilds:"

	// DefaultTTL keeps sets alive while the CRUD side keeps refreshing them.
	DefaultTTL = 6 * time.Hour
)

// Index is the Redis-backed Membership Index.
type Index struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIndex creates an index using the provided Redis client. A zero ttl
// selects DefaultTTL.
func NewIndex(client *redis.Client, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{client: client, ttl: ttl}
}

// Members returns the user ids of a guild.
func (i *Index) Members(ctx context.Context, guildID string) ([]string, error) {
	ids, err := i.client.SMembers(ctx, GuildMembersPrefix+guildID).Result()
	if err != nil {
		return nil, fmt.Errorf("membership: members of %s: %w", guildID, err)
	}
	return ids, nil
}

// IsMember reports whether userID is in guildID.
func (i *Index) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	ok, err := i.client.SIsMember(ctx, GuildMembersPrefix+guildID, userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership: is member %s/%s: %w", guildID, userID, err)
	}
	return ok, nil
}

// GuildsOf returns the guild ids a user belongs to.
func (i *Index) GuildsOf(ctx context.Context, userID string) ([]string, error) {
	ids, err := i.client.SMembers(ctx, UserGuildsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("membership: guilds of %s: %w", userID, err)
	}
	return ids, nil
}

// Add records userID as a member of guildID and refreshes both TTLs.
func (i *Index) Add(ctx context.Context, guildID, userID string) error {
	guildKey := GuildMembersPrefix + guildID
	userKey := UserGuildsPrefix + userID

	pipe := i.client.TxPipeline()
	pipe.SAdd(ctx, guildKey, userID)
	pipe.Expire(ctx, guildKey, i.ttl)
	pipe.SAdd(ctx, userKey, guildID)
	pipe.Expire(ctx, userKey, i.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("membership: add %s to %s: %w", userID, guildID, err)
	}
	return nil
}

// Remove drops userID from guildID.
func (i *Index) Remove(ctx context.Context, guildID, userID string) error {
	pipe := i.client.TxPipeline()
	pipe.SRem(ctx, GuildMembersPrefix+guildID, userID)
	pipe.SRem(ctx, UserGuildsPrefix+userID, guildID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("membership: remove %s from %s: %w", userID, guildID, err)
	}
	return nil
}

// Refresh extends the TTL of a guild's member set.
func (i *Index) Refresh(ctx context.Context, guildID string) error {
	return i.client.Expire(ctx, GuildMembersPrefix+guildID, i.ttl).Err()
}
