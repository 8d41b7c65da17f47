// Package gateway implements the realtime protocol on top of the ws
// transport: the per-connection state machine, IDENTIFY, heartbeats, voice
// state, the message event handlers and cross-instance broadcast.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/auth"
	"github.com/hearth/gateway/internal/messaging"
	"github.com/hearth/gateway/internal/metrics"
	"github.com/hearth/gateway/internal/moderation"
	"github.com/hearth/gateway/internal/protocol"
	"github.com/hearth/gateway/internal/ratelimit"
	"github.com/hearth/gateway/internal/session"
	"github.com/hearth/gateway/internal/store"
	"github.com/hearth/gateway/internal/ws"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Sessions is the shared-cache session mapping.
type Sessions interface {
	Bind(ctx context.Context, sessionID, userID string, bot bool) error
	Unbind(ctx context.Context, sessionID, userID string) error
	Refresh(ctx context.Context, sessionID, userID string) error
	SetVoiceState(ctx context.Context, vs session.VoiceState) error
	DeleteVoiceState(ctx context.Context, guildID, userID string) error
}

// Verifier resolves IDENTIFY credentials.
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Enforcer reads and applies enforcement records.
type Enforcer interface {
	IsBanned(ctx context.Context, userID string) (bool, int, string, error)
	IsMuted(ctx context.Context, userID string) (bool, int, string, error)
	IsIPBanned(ctx context.Context, addr string) (bool, error)
	Apply(ctx context.Context, userID, addr string, e moderation.Enforcement, reason string) error
}

// Membership is the guild membership index.
type Membership interface {
	Members(ctx context.Context, guildID string) ([]string, error)
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
	GuildsOf(ctx context.Context, userID string) ([]string, error)
}

// Limiter is the flood governor.
type Limiter interface {
	AllowAll(ctx context.Context, identifier string, rules ratelimit.Rules) (bool, time.Duration)
}

// Moderator runs the moderation cascade.
type Moderator interface {
	Moderate(ctx context.Context, in moderation.Input) moderation.Decision
}

// MessageStore is the durable message document store.
type MessageStore interface {
	Get(ctx context.Context, id string) (*store.Message, error)
	Upsert(ctx context.Context, m *store.Message) error
	Delete(ctx context.Context, id string) error
	SetPinned(ctx context.Context, id string, pinned bool) error
	AddReaction(ctx context.Context, id, emoji, userID string) (*store.Message, error)
	RemoveReaction(ctx context.Context, id, emoji, userID string) (*store.Message, error)
}

// Authorizer answers guild permission questions.
type Authorizer interface {
	CanManageMessages(ctx context.Context, userID, guildID string) (bool, error)
}

// AuditLog records applied enforcement.
type AuditLog interface {
	Record(ctx context.Context, e store.Entry) error
}

// Deps are the collaborators of a Gateway. Messages, Moderator and Verifier
// are required; the rest degrade gracefully when nil.
type Deps struct {
	Sessions   Sessions
	Verifier   Verifier
	Bans       Enforcer
	Membership Membership
	Limiter    Limiter
	Moderator  Moderator
	Messages   MessageStore
	Authz      Authorizer
	Audit      AuditLog
	Bus        messaging.Bus
}

// Config tunes a Gateway.
type Config struct {
	ServerName        string
	HeartbeatInterval time.Duration
	OpTimeout         time.Duration // bound for handling one frame
	FrameRules        ratelimit.Rules
	MessageRules      ratelimit.Rules
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ServerName:        "gateway-1",
		HeartbeatInterval: 30 * time.Second,
		OpTimeout:         10 * time.Second,
		FrameRules:        ratelimit.FrameRules(10, 120),
		MessageRules:      ratelimit.MessageRules(5, 60),
	}
}

// Errors mapped to ERROR frames.
var (
	ErrForbidden      = errors.New("missing permissions")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Rejection and error frame codes.
const (
	CodeContentBlocked    = "content_blocked"
	CodeMuted             = "muted"
	ReasonParseError      = "parse_error"
	ReasonInvalidVoice    = "invalid_voice_state"
	ReasonNotAuthed       = "not authenticated"
	ReasonAuthFailed      = "authentication failed"
	ReasonAlreadyIdentify = "already identified"
	ReasonBanned          = "banned"
	ReasonDecodeError     = "decode error"
)

type eventHandler func(ctx context.Context, s Session, f *protocol.Frame) error

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// Gateway is the protocol layer. It implements ws.Handler.
type Gateway struct {
	cfg         Config
	deps        Deps
	registry    *Registry
	broadcaster *Broadcaster
	handlers    map[string]eventHandler
	logger      zerolog.Logger
}

// New creates a Gateway.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.FrameRules == nil {
		cfg.FrameRules = def.FrameRules
	}
	if cfg.MessageRules == nil {
		cfg.MessageRules = def.MessageRules
	}

	logger = logger.With().Str("component", "gateway").Logger()
	registry := NewRegistry()
	g := &Gateway{
		cfg:         cfg,
		deps:        deps,
		registry:    registry,
		broadcaster: NewBroadcaster(deps.Bus, registry, deps.Membership, cfg.ServerName, logger),
		logger:      logger,
	}

	g.handlers = map[string]eventHandler{
		protocol.EventMessageCreate:   g.handleMessageCreate,
		protocol.EventMessageUpdate:   g.handleMessageUpdate,
		protocol.EventMessageDelete:   g.handleMessageDelete,
		protocol.EventMessagePin:      g.handleMessagePin(true),
		protocol.EventMessageUnpin:    g.handleMessagePin(false),
		protocol.EventMessageReaction: g.handleMessageReaction,
	}
	return g
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Broadcaster exposes the broadcaster, e.g. to subscribe it to the bus.
func (g *Gateway) Broadcaster() *Broadcaster { return g.broadcaster }

// OnConnect registers the peer and sends HELLO.
func (g *Gateway) OnConnect(p ws.Peer) {
	g.registry.Add(p)
	g.sendFrame(p, protocol.OpHello, protocol.HelloPayload{
		HeartbeatInterval: g.cfg.HeartbeatInterval.Milliseconds(),
	})
}

// OnDisconnect drops the session and its shared-cache mapping. Nothing is
// broadcast.
func (g *Gateway) OnDisconnect(p ws.Peer) {
	s, ok := g.registry.Remove(p.ID())
	if !ok || s.UserID == "" || g.deps.Sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()
	if err := g.deps.Sessions.Unbind(ctx, s.ID, s.UserID); err != nil {
		g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("unbind session failed")
	}
	g.logger.Debug().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session closed")
}

// OnFrame runs the state machine for one inbound frame.
func (g *Gateway) OnFrame(p ws.Peer, data []byte) {
	s, ok := g.registry.Get(p.ID())
	if !ok {
		return
	}

	f, err := protocol.ParseFrame(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		g.sendError(p, protocol.ErrCodeInvalidPayload, ReasonParseError)
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Op.String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()

	if !s.Identified() {
		switch f.Op {
		case protocol.OpHeartbeat:
			g.heartbeat(ctx, s)
		case protocol.OpIdentify:
			g.identify(ctx, s, f)
		default:
			g.logger.Debug().Str("session_id", s.ID).Str("op", f.Op.String()).Msg("frame before identify")
			_ = p.Close(protocol.ClosePolicyViolation, ReasonNotAuthed)
		}
		return
	}

	if !g.allow(ctx, s, "frame", g.cfg.FrameRules) {
		return
	}

	switch f.Op {
	case protocol.OpHeartbeat:
		g.heartbeat(ctx, s)
	case protocol.OpIdentify:
		_ = p.Close(protocol.CloseAlreadyIdentified, ReasonAlreadyIdentify)
	case protocol.OpVoiceStateUpdate:
		g.handleVoiceState(ctx, s, f)
	case protocol.OpDispatch:
		h, ok := g.handlers[f.T]
		if !ok {
			g.logger.Debug().Str("session_id", s.ID).Str("event", f.T).Msg("unknown event ignored")
			return
		}
		if err := h(ctx, s, f); err != nil {
			g.fail(s, f.T, err)
		}
	default:
		g.logger.Debug().Str("session_id", s.ID).Str("op", f.Op.String()).Msg("unknown opcode ignored")
	}
}

func (g *Gateway) heartbeat(ctx context.Context, s Session) {
	s.Peer.MarkAlive()
	g.sendFrame(s.Peer, protocol.OpHeartbeatAck, nil)
	if s.UserID != "" && g.deps.Sessions != nil {
		if err := g.deps.Sessions.Refresh(ctx, s.ID, s.UserID); err != nil {
			g.logger.Debug().Err(err).Str("session_id", s.ID).Msg("session refresh failed")
		}
	}
}

// identify resolves the credential, rejects banned users and addresses,
// binds the session and replies READY.
func (g *Gateway) identify(ctx context.Context, s Session, f *protocol.Frame) {
	p := s.Peer
	var payload protocol.IdentifyPayload
	if err := f.Decode(&payload); err != nil {
		_ = p.Close(protocol.CloseDecodeError, ReasonDecodeError)
		return
	}

	id, err := g.deps.Verifier.Verify(ctx, payload.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("credential lookup failed")
		}
		_ = p.Close(protocol.CloseAuthFailed, ReasonAuthFailed)
		return
	}

	if g.isBanned(ctx, id.UserID, p.RemoteIP()) {
		g.logger.Info().Str("session_id", s.ID).Str("user_id", id.UserID).Msg("banned user refused")
		_ = p.Close(protocol.CloseBanned, ReasonBanned)
		return
	}

	guilds := []string{}
	if g.deps.Membership != nil {
		gs, err := g.deps.Membership.GuildsOf(ctx, id.UserID)
		if err != nil {
			g.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("guild lookup failed")
		} else {
			guilds = gs
		}
	}

	rooms := make([]string, 0, len(guilds)+1)
	rooms = append(rooms, RoomUser+id.UserID)
	for _, gid := range guilds {
		rooms = append(rooms, RoomGuild+gid)
	}
	if !g.registry.Identify(s.ID, id.UserID, id.Bot, rooms) {
		return
	}

	if g.deps.Sessions != nil {
		if err := g.deps.Sessions.Bind(ctx, s.ID, id.UserID, id.Bot); err != nil {
			g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("bind session failed")
		}
		// The socket may have dropped while binding.
		if _, ok := g.registry.Get(s.ID); !ok {
			_ = g.deps.Sessions.Unbind(ctx, s.ID, id.UserID)
			return
		}
	}

	g.sendDispatch(p, protocol.EventReady, protocol.ReadyPayload{
		SessionID: s.ID,
		User:      protocol.ReadyUser{ID: id.UserID, Bot: id.Bot},
		Guilds:    guilds,
	})
	g.registry.SetState(s.ID, StateActive)

	g.logger.Info().
		Str("session_id", s.ID).
		Str("user_id", id.UserID).
		Bool("bot", id.Bot).
		Int("guilds", len(guilds)).
		Msg("session identified")
}

// isBanned checks the user and the client address. Lookup errors fail open.
func (g *Gateway) isBanned(ctx context.Context, userID, addr string) bool {
	if g.deps.Bans == nil {
		return false
	}
	banned, _, _, err := g.deps.Bans.IsBanned(ctx, userID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("ban lookup failed")
	}
	if banned {
		return true
	}
	if addr == "" {
		return false
	}
	ipBanned, err := g.deps.Bans.IsIPBanned(ctx, addr)
	if err != nil {
		g.logger.Warn().Err(err).Msg("ip ban lookup failed")
	}
	return ipBanned
}

// allow applies rules to the session's user and answers RATE_LIMITED when
// refused.
func (g *Gateway) allow(ctx context.Context, s Session, action string, rules ratelimit.Rules) bool {
	if g.deps.Limiter == nil {
		return true
	}
	ok, retry := g.deps.Limiter.AllowAll(ctx, s.UserID, rules)
	if ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(action).Inc()
	g.sendDispatch(s.Peer, protocol.EventRateLimited, protocol.RateLimitedPayload{
		RetryAfter: retry.Seconds(),
	})
	return false
}

// fail turns a handler error into an ERROR frame.
func (g *Gateway) fail(s Session, event string, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		g.sendError(s.Peer, protocol.ErrCodeMissingPermissions, ErrForbidden.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendError(s.Peer, protocol.ErrCodeUnknownMessage, "unknown message")
	case errors.Is(err, ErrInvalidPayload):
		g.sendError(s.Peer, protocol.ErrCodeInvalidPayload, err.Error())
	default:
		g.logger.Error().Err(err).Str("session_id", s.ID).Str("event", event).Msg("handler failed")
		g.sendError(s.Peer, protocol.ErrCodeInternal, "internal error")
	}
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

func (g *Gateway) sendFrame(p ws.Peer, op protocol.Opcode, payload interface{}) {
	data, err := protocol.NewFrame(op, payload)
	if err != nil {
		g.logger.Error().Err(err).Msg("encode frame failed")
		return
	}
	g.send(p, data)
}

func (g *Gateway) sendDispatch(p ws.Peer, event string, payload interface{}) {
	data, err := protocol.NewDispatch(event, payload)
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("encode dispatch failed")
		return
	}
	g.send(p, data)
}

func (g *Gateway) sendError(p ws.Peer, code int, message string) {
	data, err := protocol.NewError(code, message)
	if err != nil {
		return
	}
	g.send(p, data)
}

func (g *Gateway) send(p ws.Peer, data []byte) {
	if err := p.Send(data); err != nil {
		g.logger.Debug().Err(err).Str("session_id", p.ID()).Msg("send failed")
	}
}
