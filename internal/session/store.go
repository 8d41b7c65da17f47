package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix prefixes the per-user set of live session ids.
	UserSessionsPrefix = "user_sessions:"

	// VoicePrefix prefixes voice state records: voice:<guild>:<user>.
	VoicePrefix = "voice:"

	// DefaultSessionTTL bounds how long a mapping survives a gateway crash.
	DefaultSessionTTL = 24 * time.Hour

	// VoiceStateTTL is refreshed on every voice state update.
	VoiceStateTTL = 1 * time.Hour
)

// Session is the shared-cache record for an identified connection.
type Session struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user_id"`
	Server    string `redis:"server"`     // which gateway instance holds the socket
	Bot       bool   `redis:"bot"`
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// VoiceState is a user's current voice channel within a guild.
type VoiceState struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewStore creates a session store on an existing Redis client. A zero ttl
// selects DefaultSessionTTL.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl}
}

// Bind records that sessionID belongs to userID and adds the session to the
// user's active-session set. Both keys expire after the store TTL.
func (s *Store) Bind(ctx context.Context, sessionID, userID string, bot bool) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         sessionID,
		"user_id":    userID,
		"server":     s.serverName,
		"bot":        bot,
		"created_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Unbind removes the session mapping and drops the session from the user's
// active-session set. userID may be empty for sessions that never identified.
func (s *Store) Unbind(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: unbind %s: %w", sessionID, err)
	}
	return nil
}

// UserSessions lists the live session ids of a user across all gateways.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
}

// Refresh extends the TTL of a session and its user set.
func (s *Store) Refresh(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, SessionPrefix+sessionID, s.ttl)
	pipe.Expire(ctx, UserSessionsPrefix+userID, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func voiceKey(guildID, userID string) string {
	return VoicePrefix + guildID + ":" + userID
}

// SetVoiceState upserts a user's voice state with VoiceStateTTL.
func (s *Store) SetVoiceState(ctx context.Context, vs VoiceState) error {
	data, err := json.Marshal(vs)
	if err != nil {
		return fmt.Errorf("session: marshal voice state: %w", err)
	}
	if err := s.client.Set(ctx, voiceKey(vs.GuildID, vs.UserID), data, VoiceStateTTL).Err(); err != nil {
		return fmt.Errorf("session: set voice state: %w", err)
	}
	return nil
}

// GetVoiceState returns the voice state of a user in a guild, or nil.
func (s *Store) GetVoiceState(ctx context.Context, guildID, userID string) (*VoiceState, error) {
	data, err := s.client.Get(ctx, voiceKey(guildID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var vs VoiceState
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("session: decode voice state: %w", err)
	}
	return &vs, nil
}

// DeleteVoiceState removes a user's voice state in a guild.
func (s *Store) DeleteVoiceState(ctx context.Context, guildID, userID string) error {
	return s.client.Del(ctx, voiceKey(guildID, userID)).Err()
}
