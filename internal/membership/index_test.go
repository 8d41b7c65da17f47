package membership

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestIndex(t *testing.T) (*Index, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewIndex(client, time.Hour), mr
}

func TestAddAndMembers(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := idx.Add(ctx, "g1", u); err != nil {
			t.Fatalf("Add(%s): %v", u, err)
		}
	}
	idx.Add(ctx, "g2", "u1")

	members, err := idx.Members(ctx, "g1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	sort.Strings(members)
	if len(members) != 3 || members[0] != "u1" || members[2] != "u3" {
		t.Errorf("members = %v", members)
	}

	guilds, err := idx.GuildsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("GuildsOf: %v", err)
	}
	sort.Strings(guilds)
	if len(guilds) != 2 || guilds[0] != "g1" || guilds[1] != "g2" {
		t.Errorf("guilds = %v", guilds)
	}

	if ttl := mr.TTL(GuildMembersPrefix + "g1"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestIsMemberAndRemove(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.Add(ctx, "g1", "u1")

	ok, err := idx.IsMember(ctx, "g1", "u1")
	if err != nil || !ok {
		t.Fatalf("IsMember = %v, %v; want true", ok, err)
	}

	if err := idx.Remove(ctx, "g1", "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err = idx.IsMember(ctx, "g1", "u1")
	if err != nil || ok {
		t.Fatalf("IsMember after remove = %v, %v; want false", ok, err)
	}
	guilds, _ := idx.GuildsOf(ctx, "u1")
	if len(guilds) != 0 {
		t.Errorf("guilds after remove = %v", guilds)
	}
}

func TestMembers_Expired(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()

	idx.Add(ctx, "g1", "u1")
	mr.FastForward(2 * time.Hour)

	members, err := idx.Members(ctx, "g1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty membership after ttl, got %v", members)
	}
}

func TestMembers_RedisDown(t *testing.T) {
	idx, mr := newTestIndex(t)
	mr.Close()

	if _, err := idx.Members(context.Background(), "g1"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}
