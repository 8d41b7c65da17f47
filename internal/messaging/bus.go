package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBusUnavailable is returned by Publish when the bus cannot accept the
// event right now. Callers fall back to local delivery.
var ErrBusUnavailable = errors.New("messaging: bus unavailable")

// Event is the canonical unit carried between gateway processes. D holds the
// full post-mutation entity so that receivers can apply it idempotently.
type Event struct {
	T       string          `json:"t"`
	D       json.RawMessage `json:"d"`
	GuildID string          `json:"guild_id,omitempty"` // scope: members of this guild
	Room    string          `json:"room,omitempty"`     // scope: sessions joined to this room
	Origin  string          `json:"origin,omitempty"`   // publishing gateway instance
}

// NewEvent marshals payload into an Event.
func NewEvent(eventType string, payload interface{}, guildID string) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("messaging: marshal %s: %w", eventType, err)
	}
	return Event{T: eventType, D: raw, GuildID: guildID}, nil
}

// Bus publishes events to, and receives events from, every gateway process.
// Delivery is at-least-once and FIFO per publisher only.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler func(Event)) error
	Close() error
}

func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode event %s: %w", ev.T, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("messaging: decode event: %w", err)
	}
	if ev.T == "" {
		return Event{}, fmt.Errorf("messaging: event without type")
	}
	return ev, nil
}
