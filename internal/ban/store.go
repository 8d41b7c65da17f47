// Package ban records enforcement against users in Redis. Time-boxed
// measures are plain keys with a TTL; permanent ones have no expiry:
//
//	Key:   ban:<user_id>   mute:<user_id>
//	Value: <reason>
//	TTL:   measure duration, none when permanent
//
// IP bans and risk flags are members of the ipbans and risk_flags sets.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearth/gateway/internal/moderation"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// MutePrefix is the Redis key prefix for mute records.
	MutePrefix = "mute:"

	// IPBansKey is the set of banned client addresses.
	IPBansKey = "ipbans"

	// RiskFlagsKey is the set of users flagged for review.
	RiskFlagsKey = "risk_flags"
)

// Store manages enforcement records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks if a user is currently banned.
// Returns (isBanned, remainingSeconds, reason, error). remainingSeconds is
// 0 for permanent bans. Redis errors are returned so callers can decide how
// to handle them (the gateway fails open).
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, int, string, error) {
	return s.check(ctx, BanPrefix+userID)
}

// IsMuted checks if a user is currently muted.
func (s *Store) IsMuted(ctx context.Context, userID string) (bool, int, string, error) {
	return s.check(ctx, MutePrefix+userID)
}

func (s *Store) check(ctx context.Context, key string) (bool, int, string, error) {
	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The record exists but its TTL is unreadable. Report it with 0
		// remaining rather than swallowing it.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban bans a user for duration. A zero duration bans permanently.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Mute silences a user for duration.
func (s *Store) Mute(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, MutePrefix+userID, reason, duration).Err()
}

// BanIP adds addr to the IP ban set.
func (s *Store) BanIP(ctx context.Context, addr string) error {
	return s.client.SAdd(ctx, IPBansKey, addr).Err()
}

// IsIPBanned reports whether addr is in the IP ban set.
func (s *Store) IsIPBanned(ctx context.Context, addr string) (bool, error) {
	return s.client.SIsMember(ctx, IPBansKey, addr).Result()
}

// FlagRisk marks a user for review.
func (s *Store) FlagRisk(ctx context.Context, userID string) error {
	return s.client.SAdd(ctx, RiskFlagsKey, userID).Err()
}

// Apply records enforcement e against userID. addr is the client address
// and is only used by IP bans; it may be empty. Warnings leave no record
// here because the offense counter already tracks them.
func (s *Store) Apply(ctx context.Context, userID, addr string, e moderation.Enforcement, reason string) error {
	duration := time.Duration(e.Duration) * time.Millisecond

	switch e.Type {
	case moderation.EnforceNone, moderation.EnforceWarning:
		return nil
	case moderation.EnforceAccountRiskFlag:
		if err := s.FlagRisk(ctx, userID); err != nil {
			return fmt.Errorf("ban: flag risk: %w", err)
		}
	case moderation.EnforceMute:
		if err := s.Mute(ctx, userID, duration, reason); err != nil {
			return fmt.Errorf("ban: mute: %w", err)
		}
	case moderation.EnforceTempBan:
		if duration <= 0 {
			return fmt.Errorf("ban: temp ban without duration")
		}
		if err := s.Ban(ctx, userID, duration, reason); err != nil {
			return fmt.Errorf("ban: temp ban: %w", err)
		}
	case moderation.EnforcePermanentBan:
		if err := s.Ban(ctx, userID, 0, reason); err != nil {
			return fmt.Errorf("ban: permanent ban: %w", err)
		}
	case moderation.EnforcePermanentBanAndIP:
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, BanPrefix+userID, reason, 0)
		if addr != "" {
			pipe.SAdd(ctx, IPBansKey, addr)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("ban: permanent ip ban: %w", err)
		}
	default:
		return fmt.Errorf("ban: unknown enforcement %q", e.Type)
	}
	return nil
}
