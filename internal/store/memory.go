package store

import (
	"context"
	"sync"
	"time"
)

// Memory implements the message, permission, bot and audit stores in process
// memory. Data does not survive a restart.
type Memory struct {
	mu           sync.RWMutex
	messages     map[string]*Message
	owners       map[string]string           // guild -> owner
	permissions  map[string]map[string]int64 // guild -> user -> bits
	bots         map[string]string           // token hash -> user
	enforcements []Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:    make(map[string]*Message),
		owners:      make(map[string]string),
		permissions: make(map[string]map[string]int64),
		bots:        make(map[string]string),
	}
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Flags = append([]string(nil), m.Flags...)
	c.Reactions = make(map[string][]string, len(m.Reactions))
	for emoji, users := range m.Reactions {
		c.Reactions[emoji] = append([]string(nil), users...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

func (s *Memory) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *Memory) Upsert(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[m.ID]; ok {
		existing.Content = m.Content
		existing.Flags = append([]string(nil), m.Flags...)
		existing.Enforcement = m.Enforcement
		existing.EditedAt = m.EditedAt
		return nil
	}
	c := copyMessage(m)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ID] = c
	return nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *Memory) SetPinned(_ context.Context, id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Pinned = pinned
	return nil
}

func (s *Memory) AddReaction(_ context.Context, id, emoji, userID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.addReaction(emoji, userID)
	return copyMessage(m), nil
}

func (s *Memory) RemoveReaction(_ context.Context, id, emoji, userID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.removeReaction(emoji, userID)
	return copyMessage(m), nil
}

func (s *Memory) CanManageMessages(_ context.Context, userID, guildID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[guildID]
	if !ok {
		return false, nil
	}
	if owner == userID {
		return true, nil
	}
	return s.permissions[guildID][userID]&(PermManageMessages|PermAdministrator) != 0, nil
}

func (s *Memory) CreateGuild(_ context.Context, guildID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[guildID] = ownerID
	return nil
}

func (s *Memory) SetMember(_ context.Context, guildID, userID string, permissions int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissions[guildID] == nil {
		s.permissions[guildID] = make(map[string]int64)
	}
	s.permissions[guildID][userID] = permissions
	return nil
}

func (s *Memory) ResolveBotToken(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bots[HashToken(token)], nil
}

func (s *Memory) RegisterBot(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, u := range s.bots {
		if u == userID {
			delete(s.bots, hash)
		}
	}
	s.bots[HashToken(token)] = userID
	return nil
}

func (s *Memory) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.enforcements = append(s.enforcements, e)
	return nil
}

// Entries returns a copy of the enforcement log.
func (s *Memory) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.enforcements...)
}
