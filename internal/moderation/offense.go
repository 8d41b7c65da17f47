package moderation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// OffensesPrefix is the Redis key prefix for per-user offense counters.
	OffensesPrefix = "offenses:"

	// WarningsPrefix is the Redis key prefix for per-user warning counters.
	WarningsPrefix = "warnings:"
)

// OffenseCounter tracks each user's moderation history.
type OffenseCounter interface {
	// Offenses returns the number of recorded offenses for userID.
	Offenses(ctx context.Context, userID string) int
	// RecordOffense increments the offense count and returns the new value.
	RecordOffense(ctx context.Context, userID string) int
	// RecordWarning increments the warning count and returns the new value.
	RecordWarning(ctx context.Context, userID string) int
	// ResetWarnings clears the warning count.
	ResetWarnings(ctx context.Context, userID string)
}

// MemoryCounter is a process-local OffenseCounter. It backs RedisCounter
// while Redis is unreachable and serves single-node setups and tests.
type MemoryCounter struct {
	mu       sync.Mutex
	offenses map[string]int
	warnings map[string]int
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		offenses: make(map[string]int),
		warnings: make(map[string]int),
	}
}

func (m *MemoryCounter) Offenses(_ context.Context, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offenses[userID]
}

func (m *MemoryCounter) RecordOffense(_ context.Context, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offenses[userID]++
	return m.offenses[userID]
}

func (m *MemoryCounter) RecordWarning(_ context.Context, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings[userID]++
	return m.warnings[userID]
}

func (m *MemoryCounter) ResetWarnings(_ context.Context, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warnings, userID)
}

// RedisCounter keeps offense and warning counts in Redis so every gateway
// process sees the same history. A ttl of zero keeps counts forever;
// otherwise the window starts at the first increment and does not slide.
// When Redis fails the counter degrades to its local MemoryCounter.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
	local  *MemoryCounter
	logger zerolog.Logger
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCounter {
	return &RedisCounter{
		client: client,
		ttl:    ttl,
		local:  NewMemoryCounter(),
		logger: logger,
	}
}

func (r *RedisCounter) Offenses(ctx context.Context, userID string) int {
	n, err := r.client.Get(ctx, OffensesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("offense lookup failed, using local count")
		return r.local.Offenses(ctx, userID)
	}
	return n
}

func (r *RedisCounter) RecordOffense(ctx context.Context, userID string) int {
	n, err := r.incr(ctx, OffensesPrefix+userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("offense increment failed, counting locally")
		return r.local.RecordOffense(ctx, userID)
	}
	return n
}

func (r *RedisCounter) RecordWarning(ctx context.Context, userID string) int {
	n, err := r.incr(ctx, WarningsPrefix+userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("warning increment failed, counting locally")
		return r.local.RecordWarning(ctx, userID)
	}
	return n
}

func (r *RedisCounter) ResetWarnings(ctx context.Context, userID string) {
	r.local.ResetWarnings(ctx, userID)
	if err := r.client.Del(ctx, WarningsPrefix+userID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("warning reset failed")
	}
}

// incr atomically increments key and, on the first increment, sets the
// expiry so the window does not slide.
func (r *RedisCounter) incr(ctx context.Context, key string) (int, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to set counter expiry")
		}
	}
	return int(n), nil
}
