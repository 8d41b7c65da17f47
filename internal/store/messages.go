package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is a persisted chat message. Reactions map an emoji to the ids of
// the users who reacted with it.
type Message struct {
	ID          string              `json:"id"`
	ChannelID   string              `json:"channel_id"`
	GuildID     string              `json:"guild_id,omitempty"`
	AuthorID    string              `json:"author_id"`
	Content     string              `json:"content"`
	Pinned      bool                `json:"pinned"`
	Reactions   map[string][]string `json:"reactions"`
	Flags       []string            `json:"flags"`
	Enforcement string              `json:"enforcement,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
}

// addReaction records userID under emoji. It reports whether anything changed.
func (m *Message) addReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return false
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// removeReaction drops userID from emoji. It reports whether anything changed.
func (m *Message) removeReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	for i, u := range users {
		if u != userID {
			continue
		}
		users = append(users[:i:i], users[i+1:]...)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return true
	}
	return false
}

// Messages stores chat messages in PostgreSQL.
type Messages struct {
	db *sql.DB
}

// NewMessages creates a message store backed by db.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

const messageColumns = `id, channel_id, guild_id, author_id, content, pinned, reactions, flags, enforcement, created_at, edited_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		reactions []byte
		flags     []byte
		editedAt  sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.AuthorID, &m.Content, &m.Pinned,
		&reactions, &flags, &m.Enforcement, &m.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	if err := json.Unmarshal(flags, &m.Flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return &m, nil
}

// Get returns the message with id, or ErrNotFound.
func (s *Messages) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, err
}

// Upsert inserts m or replaces its content, flags and edit time.
func (s *Messages) Upsert(ctx context.Context, m *Message) error {
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("store: marshal reactions: %w", err)
	}
	flags := m.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("store: marshal flags: %w", err)
	}
	enforcement := m.Enforcement
	if enforcement == "" {
		enforcement = "none"
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO messages (id, channel_id, guild_id, author_id, content, pinned, reactions, flags, enforcement, created_at, edited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			content     = EXCLUDED.content,
			flags       = EXCLUDED.flags,
			enforcement = EXCLUDED.enforcement,
			edited_at   = EXCLUDED.edited_at`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.ChannelID, m.GuildID, m.AuthorID, m.Content, m.Pinned,
		reactionsJSON, flagsJSON, enforcement, createdAt, m.EditedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert message: %w", err)
	}
	return nil
}

// Delete removes the message with id, or returns ErrNotFound.
func (s *Messages) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return requireRow(res)
}

// SetPinned pins or unpins the message with id.
func (s *Messages) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = $2 WHERE id = $1`, id, pinned)
	if err != nil {
		return fmt.Errorf("store: set pinned: %w", err)
	}
	return requireRow(res)
}

// AddReaction records a reaction and returns the updated message.
func (s *Messages) AddReaction(ctx context.Context, id, emoji, userID string) (*Message, error) {
	return s.updateReactions(ctx, id, func(m *Message) bool { return m.addReaction(emoji, userID) })
}

// RemoveReaction drops a reaction and returns the updated message.
func (s *Messages) RemoveReaction(ctx context.Context, id, emoji, userID string) (*Message, error) {
	return s.updateReactions(ctx, id, func(m *Message) bool { return m.removeReaction(emoji, userID) })
}

// updateReactions locks the row, applies fn and writes the reactions back.
func (s *Messages) updateReactions(ctx context.Context, id string, fn func(*Message) bool) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load reactions: %w", err)
	}

	if !fn(m) {
		return m, nil
	}

	reactionsJSON, err := json.Marshal(m.Reactions)
	if err != nil {
		return nil, fmt.Errorf("store: marshal reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, id, reactionsJSON); err != nil {
		return nil, fmt.Errorf("store: update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return m, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
