package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// backend is the surface shared by Memory and Postgres.
type backend interface {
	Get(ctx context.Context, id string) (*Message, error)
	Upsert(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
	SetPinned(ctx context.Context, id string, pinned bool) error
	AddReaction(ctx context.Context, id, emoji, userID string) (*Message, error)
	RemoveReaction(ctx context.Context, id, emoji, userID string) (*Message, error)
	CanManageMessages(ctx context.Context, userID, guildID string) (bool, error)
	CreateGuild(ctx context.Context, guildID, ownerID string) error
	SetMember(ctx context.Context, guildID, userID string, permissions int64) error
	ResolveBotToken(ctx context.Context, token string) (string, error)
	RegisterBot(ctx context.Context, userID, token string) error
	Record(ctx context.Context, e Entry) error
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	out := map[string]backend{"memory": NewMemory()}

	dsn := os.Getenv("HEARTH_TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	out["postgres"] = NewPostgres(db)
	return out
}

// uid returns an id unique to this run so Postgres tests do not collide.
func uid(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestMessages_Lifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uid("m")

			if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
			}

			msg := &Message{ID: id, ChannelID: "c1", GuildID: "g1", AuthorID: "u1", Content: "hello", Flags: []string{"spam"}}
			if err := s.Upsert(ctx, msg); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Content != "hello" || got.AuthorID != "u1" || len(got.Flags) != 1 || got.CreatedAt.IsZero() {
				t.Errorf("unexpected message %+v", got)
			}

			edited := time.Now().UTC().Truncate(time.Millisecond)
			msg.Content = "hello, edited"
			msg.EditedAt = &edited
			if err := s.Upsert(ctx, msg); err != nil {
				t.Fatalf("Upsert edit: %v", err)
			}
			got, _ = s.Get(ctx, id)
			if got.Content != "hello, edited" || got.EditedAt == nil {
				t.Errorf("edit not applied: %+v", got)
			}

			if err := s.SetPinned(ctx, id, true); err != nil {
				t.Fatalf("SetPinned: %v", err)
			}
			if got, _ = s.Get(ctx, id); !got.Pinned {
				t.Error("expected pinned")
			}

			if err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete: err = %v, want ErrNotFound", err)
			}
			if err := s.SetPinned(ctx, id, false); !errors.Is(err, ErrNotFound) {
				t.Errorf("SetPinned deleted: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMessages_Reactions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uid("m")
			if err := s.Upsert(ctx, &Message{ID: id, ChannelID: "c1", AuthorID: "u1", Content: "hi"}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}

			s.AddReaction(ctx, id, "👍", "u1")
			s.AddReaction(ctx, id, "👍", "u1") // idempotent
			m, err := s.AddReaction(ctx, id, "👍", "u2")
			if err != nil {
				t.Fatalf("AddReaction: %v", err)
			}
			if len(m.Reactions["👍"]) != 2 {
				t.Errorf("reactions = %v, want two users", m.Reactions)
			}

			m, _ = s.RemoveReaction(ctx, id, "👍", "u1")
			m, err = s.RemoveReaction(ctx, id, "👍", "u2")
			if err != nil {
				t.Fatalf("RemoveReaction: %v", err)
			}
			if _, ok := m.Reactions["👍"]; ok {
				t.Errorf("empty emoji should be dropped, got %v", m.Reactions)
			}

			if _, err := s.AddReaction(ctx, uid("missing"), "👍", "u1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing message: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAuthz_CanManageMessages(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			guild := uid("g")
			if err := s.CreateGuild(ctx, guild, "owner"); err != nil {
				t.Fatalf("CreateGuild: %v", err)
			}
			_ = s.SetMember(ctx, guild, "mod", PermManageMessages)
			_ = s.SetMember(ctx, guild, "admin", PermAdministrator)
			_ = s.SetMember(ctx, guild, "member", 0)

			tests := []struct {
				user  string
				guild string
				want  bool
			}{
				{"owner", guild, true},
				{"mod", guild, true},
				{"admin", guild, true},
				{"member", guild, false},
				{"stranger", guild, false},
				{"owner", uid("nope"), false},
				{"owner", "", false},
			}
			for _, tt := range tests {
				got, err := s.CanManageMessages(ctx, tt.user, tt.guild)
				if err != nil {
					t.Fatalf("CanManageMessages(%s): %v", tt.user, err)
				}
				if got != tt.want {
					t.Errorf("CanManageMessages(%s, %s) = %v, want %v", tt.user, tt.guild, got, tt.want)
				}
			}
		})
	}
}

func TestBots_ResolveBotToken(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := uid("bot")
			token := uuid.NewString()

			if err := s.RegisterBot(ctx, bot, token); err != nil {
				t.Fatalf("RegisterBot: %v", err)
			}
			got, err := s.ResolveBotToken(ctx, token)
			if err != nil || got != bot {
				t.Errorf("ResolveBotToken = %q, %v; want %q", got, err, bot)
			}
			if got, _ := s.ResolveBotToken(ctx, "wrong"); got != "" {
				t.Errorf("unknown token resolved to %q", got)
			}

			// Rotating replaces the old token.
			rotated := uuid.NewString()
			_ = s.RegisterBot(ctx, bot, rotated)
			if got, _ := s.ResolveBotToken(ctx, token); got != "" {
				t.Errorf("old token still resolves to %q", got)
			}
		})
	}
}

func TestEnforcements_Record(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Record(context.Background(), Entry{
				UserID: uid("u"), MessageID: "m1", Type: "temp_ban", DurationMs: 604800000,
				Reason: "doxxing", Tier: "rules", Severity: "high",
			})
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
		})
	}

	mem := NewMemory()
	_ = mem.Record(context.Background(), Entry{UserID: "u1", Type: "mute"})
	if entries := mem.Entries(); len(entries) != 1 || entries[0].CreatedAt.IsZero() {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashToken("abc"); got != want {
		t.Errorf("HashToken = %s, want %s", got, want)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.Upsert(ctx, &Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "hi"})

	got, _ := s.Get(ctx, "m1")
	got.Content = "mutated"
	again, _ := s.Get(ctx, "m1")
	if again.Content != "hi" {
		t.Error("Get must return a copy")
	}
}
