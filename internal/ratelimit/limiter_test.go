package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zerolog.Nop()), mr
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Allow #%d refused, want allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Fatal("4th request allowed, want refused")
	}

	// Other users have independent counters.
	ok, _ = l.Allow(ctx, "u2", rule)
	if !ok {
		t.Fatal("u2 refused, want allowed")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "u1", rule)
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("second request in window allowed")
	}

	mr.FastForward(1100 * time.Millisecond)

	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("request after window refused")
	}
}

func TestAllowAll_PerMinuteWindow(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rules := MessageRules(5, 6)

	for i := 0; i < 5; i++ {
		if ok, _ := l.AllowAll(ctx, "u1", rules); !ok {
			t.Fatalf("request %d refused", i+1)
		}
	}
	// Per-second window exhausted.
	ok, retry := l.AllowAll(ctx, "u1", rules)
	if ok {
		t.Fatal("6th request in one second allowed")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("retry after = %v, want (0,1s]", retry)
	}

	mr.FastForward(time.Second + time.Millisecond)

	// The refused request stopped at the per-second rule, so the minute
	// window holds 5 and one more fits.
	if ok, _ := l.AllowAll(ctx, "u1", rules); !ok {
		t.Fatal("request in fresh second refused")
	}
	ok, retry = l.AllowAll(ctx, "u1", rules)
	if ok {
		t.Fatal("per-minute limit not enforced")
	}
	if retry <= time.Second {
		t.Errorf("retry after = %v, want per-minute window remainder", retry)
	}
}

func TestAllow_FailOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "u1", Rule{Key: "rl:test:", Limit: 1, Window: time.Second})
	if !ok {
		t.Fatal("expected fail-open allow when redis is down")
	}
	if err == nil {
		t.Fatal("expected the redis error to be returned")
	}
}
