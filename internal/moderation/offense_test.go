package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestCounter(t *testing.T, ttl time.Duration) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewRedisCounter(client, ttl, zerolog.Nop()), mr
}

func TestRedisCounter_SharedAcrossInstances(t *testing.T) {
	a, mr := newTestCounter(t, 0)
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientB.Close() })
	b := NewRedisCounter(clientB, 0, zerolog.Nop())
	ctx := context.Background()

	a.RecordOffense(ctx, "u1")
	b.RecordOffense(ctx, "u1")

	if got := a.Offenses(ctx, "u1"); got != 2 {
		t.Errorf("offenses seen by a = %d, want 2", got)
	}
	if got := b.Offenses(ctx, "u1"); got != 2 {
		t.Errorf("offenses seen by b = %d, want 2", got)
	}
	if got := a.Offenses(ctx, "u2"); got != 0 {
		t.Errorf("unknown user offenses = %d, want 0", got)
	}
}

func TestRedisCounter_NoDecayByDefault(t *testing.T) {
	c, mr := newTestCounter(t, 0)
	ctx := context.Background()

	c.RecordOffense(ctx, "u1")
	if ttl := mr.TTL(OffensesPrefix + "u1"); ttl != 0 {
		t.Errorf("expected no expiry, got %v", ttl)
	}
}

func TestRedisCounter_TTLWindow(t *testing.T) {
	c, mr := newTestCounter(t, time.Hour)
	ctx := context.Background()

	c.RecordOffense(ctx, "u1")
	mr.FastForward(30 * time.Minute)
	c.RecordOffense(ctx, "u1")

	// The window starts at the first increment and does not slide.
	if ttl := mr.TTL(OffensesPrefix + "u1"); ttl != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m", ttl)
	}
	mr.FastForward(31 * time.Minute)
	if got := c.Offenses(ctx, "u1"); got != 0 {
		t.Errorf("offenses after window = %d, want 0", got)
	}
}

func TestRedisCounter_Warnings(t *testing.T) {
	c, _ := newTestCounter(t, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if got := c.RecordWarning(ctx, "u1"); got != i {
			t.Fatalf("warning %d returned %d", i, got)
		}
	}
	c.ResetWarnings(ctx, "u1")
	if got := c.RecordWarning(ctx, "u1"); got != 1 {
		t.Errorf("after reset = %d, want 1", got)
	}
}

func TestRedisCounter_FallsBackWhenDown(t *testing.T) {
	c, mr := newTestCounter(t, 0)
	ctx := context.Background()
	mr.Close()

	if got := c.RecordOffense(ctx, "u1"); got != 1 {
		t.Errorf("local offense count = %d, want 1", got)
	}
	if got := c.RecordOffense(ctx, "u1"); got != 2 {
		t.Errorf("local offense count = %d, want 2", got)
	}
	if got := c.Offenses(ctx, "u1"); got != 2 {
		t.Errorf("local offenses = %d, want 2", got)
	}
}

func TestMemoryCounter(t *testing.T) {
	m := NewMemoryCounter()
	ctx := context.Background()

	m.RecordOffense(ctx, "u1")
	m.RecordWarning(ctx, "u1")
	m.RecordWarning(ctx, "u1")
	if m.Offenses(ctx, "u1") != 1 {
		t.Errorf("offenses = %d, want 1", m.Offenses(ctx, "u1"))
	}
	m.ResetWarnings(ctx, "u1")
	if got := m.RecordWarning(ctx, "u1"); got != 1 {
		t.Errorf("warnings after reset = %d, want 1", got)
	}
}
