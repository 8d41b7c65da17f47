// Package ratelimit implements the per-user flood governor using Redis
// INCR + EXPIRE fixed windows. Counters live in the shared cache, so every
// gateway process enforces the same budget for a user. Redis failures fail
// open so that a cache outage never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:frame:s:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Rules groups the windows applied to one action. A request is allowed only
// if every rule allows it.
type Rules []Rule

// FrameRules bounds every inbound protocol frame of a user.
func FrameRules(perSecond, perMinute int) Rules {
	return Rules{
		{Key: "rl:frame:s:", Limit: perSecond, Window: time.Second},
		{Key: "rl:frame:m:", Limit: perMinute, Window: time.Minute},
	}
}

// MessageRules bounds MESSAGE_CREATE / MESSAGE_UPDATE actions of a user.
func MessageRules(perSecond, perMinute int) Rules {
	return Rules{
		{Key: "rl:msg:s:", Limit: perSecond, Window: time.Second},
		{Key: "rl:msg:m:", Limit: perMinute, Window: time.Minute},
	}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true).
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// The key exists but has no TTL. Delete it so it cannot block
			// the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// AllowAll applies every rule in order and stops at the first refusal. When
// refused it returns the time until the refusing window resets.
func (l *Limiter) AllowAll(ctx context.Context, identifier string, rules Rules) (bool, time.Duration) {
	for _, rule := range rules {
		ok, _ := l.Allow(ctx, identifier, rule)
		if !ok {
			return false, l.retryAfter(ctx, identifier, rule)
		}
	}
	return true, 0
}

func (l *Limiter) retryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
