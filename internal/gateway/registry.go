package gateway

import (
	"strings"
	"sync"

	"github.com/hearth/gateway/internal/ws"
)

// State is the protocol state of one connection.
type State int

const (
	StateConnecting State = iota
	StateHandshook
	StateIdentified
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshook:
		return "handshook"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Room key prefixes.
const (
	RoomUser    = "user:"
	RoomGuild   = "guild:"
	RoomChannel = "channel:"
	RoomVoice   = "voice:"
)

// Session is a snapshot of one registry entry.
type Session struct {
	ID     string
	Peer   ws.Peer
	UserID string
	Bot    bool
	State  State
	Rooms  []string
}

// Identified reports whether the session completed IDENTIFY.
func (s Session) Identified() bool {
	return s.State == StateIdentified || s.State == StateActive
}

type entry struct {
	peer   ws.Peer
	userID string
	bot    bool
	state  State
	rooms  map[string]struct{}
}

func (e *entry) snapshot(id string) Session {
	rooms := make([]string, 0, len(e.rooms))
	for r := range e.rooms {
		rooms = append(rooms, r)
	}
	return Session{ID: id, Peer: e.peer, UserID: e.userID, Bot: e.bot, State: e.state, Rooms: rooms}
}

// Registry is the single owner of per-connection session state. Readers get
// snapshots, so iteration never holds the lock while writing to sockets.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add registers a freshly accepted peer in the Handshook state.
func (r *Registry) Add(p ws.Peer) {
	r.mu.Lock()
	r.entries[p.ID()] = &entry{peer: p, state: StateHandshook, rooms: make(map[string]struct{})}
	r.mu.Unlock()
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(id), true
}

// Remove deletes the session and returns its last state.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	delete(r.entries, id)
	e.state = StateClosed
	return e.snapshot(id), true
}

// Identify binds a user to the session and joins the given rooms. It
// returns false when the session is gone or already identified.
func (r *Registry) Identify(id, userID string, bot bool, rooms []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != StateHandshook {
		return false
	}
	e.userID = userID
	e.bot = bot
	e.state = StateIdentified
	for _, room := range rooms {
		e.rooms[room] = struct{}{}
	}
	return true
}

// SetState moves a live session to st.
func (r *Registry) SetState(id string, st State) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.state = st
	}
	r.mu.Unlock()
}

// Join adds the session to room.
func (r *Registry) Join(id, room string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.rooms[room] = struct{}{}
	}
	r.mu.Unlock()
}

// LeavePrefix removes the session from every room starting with prefix.
func (r *Registry) LeavePrefix(id, prefix string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		for room := range e.rooms {
			if strings.HasPrefix(room, prefix) {
				delete(e.rooms, room)
			}
		}
	}
	r.mu.Unlock()
}

// InRoom returns the identified peers that joined room.
func (r *Registry) InRoom(room string) []ws.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var peers []ws.Peer
	for _, e := range r.entries {
		if _, ok := e.rooms[room]; ok && e.userID != "" {
			peers = append(peers, e.peer)
		}
	}
	return peers
}

// ForUsers returns the identified peers whose user is in users.
func (r *Registry) ForUsers(users map[string]struct{}) []ws.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var peers []ws.Peer
	for _, e := range r.entries {
		if e.userID == "" {
			continue
		}
		if _, ok := users[e.userID]; ok {
			peers = append(peers, e.peer)
		}
	}
	return peers
}

// Identified returns every identified peer.
func (r *Registry) Identified() []ws.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]ws.Peer, 0, len(r.entries))
	for _, e := range r.entries {
		if e.userID != "" {
			peers = append(peers, e.peer)
		}
	}
	return peers
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
