package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearth/gateway/internal/messaging"
	"github.com/hearth/gateway/internal/moderation"
	"github.com/hearth/gateway/internal/protocol"
	"github.com/hearth/gateway/internal/store"
)

// messageEvent is the payload of message events: the full stored message
// plus the client nonce on create.
type messageEvent struct {
	*store.Message
	Nonce string `json:"nonce,omitempty"`
}

// deletedEvent is the payload of MESSAGE_DELETE.
type deletedEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

func decode(f *protocol.Frame, v interface{}) error {
	if err := f.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, f.T)
	}
	return nil
}

// broadcast scopes the event to guildID when set. Channels outside a guild
// are ad-hoc rooms: the event reaches sessions that joined channel:<id>.
func (g *Gateway) broadcast(ctx context.Context, event string, payload interface{}, guildID, channelID string) error {
	ev, err := messaging.NewEvent(event, payload, guildID)
	if err != nil {
		return err
	}
	if guildID == "" && channelID != "" {
		ev.Room = RoomChannel + channelID
	}
	g.broadcaster.Broadcast(ctx, ev)
	return nil
}

// joinChannel adds the session to the room of a channel outside any guild.
func (g *Gateway) joinChannel(s Session, m *store.Message) {
	if m.GuildID == "" {
		g.registry.Join(s.ID, RoomChannel+m.ChannelID)
	}
}

// requireMember rejects users outside guildID. Index failures fail open.
func (g *Gateway) requireMember(ctx context.Context, guildID, userID string) error {
	if guildID == "" || g.deps.Membership == nil {
		return nil
	}
	ok, err := g.deps.Membership.IsMember(ctx, guildID, userID)
	if err != nil {
		g.logger.Warn().Err(err).Str("guild_id", guildID).Msg("membership check failed")
		return nil
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// canManage reports whether userID may delete or pin m.
func (g *Gateway) canManage(ctx context.Context, userID string, m *store.Message) error {
	if m.AuthorID == userID {
		return nil
	}
	if m.GuildID == "" || g.deps.Authz == nil {
		return ErrForbidden
	}
	ok, err := g.deps.Authz.CanManageMessages(ctx, userID, m.GuildID)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// ---------------------------------------------------------------------------
// Moderation gate
// ---------------------------------------------------------------------------

// screen checks the sender's standing and runs moderation on content. It
// returns false when the message must not be stored; the caller has
// already been answered in that case.
func (g *Gateway) screen(ctx context.Context, s Session, in moderation.Input, messageID, nonce string) (moderation.Decision, bool) {
	if g.isBanned(ctx, s.UserID, "") {
		_ = s.Peer.Close(protocol.CloseBanned, ReasonBanned)
		return moderation.Decision{}, false
	}
	if g.deps.Bans != nil {
		muted, remaining, _, err := g.deps.Bans.IsMuted(ctx, s.UserID)
		if err != nil {
			g.logger.Warn().Err(err).Str("user_id", s.UserID).Msg("mute lookup failed")
		}
		if muted {
			g.sendDispatch(s.Peer, protocol.EventMessageRejected, protocol.RejectedPayload{
				Code:    CodeMuted,
				Message: fmt.Sprintf("you are muted for %ds", remaining),
				Flags:   []string{},
				Status:  CodeMuted,
				Nonce:   nonce,
			})
			return moderation.Decision{}, false
		}
	}

	d := g.deps.Moderator.Moderate(ctx, in)
	g.enforce(ctx, s, d, messageID)

	if d.Verdict.Approved {
		return d, true
	}

	flags := d.Verdict.Flags
	if flags == nil {
		flags = []string{}
	}
	g.sendDispatch(s.Peer, protocol.EventMessageRejected, protocol.RejectedPayload{
		Code:    CodeContentBlocked,
		Message: d.Verdict.Reason,
		Flags:   flags,
		Score:   d.Verdict.Score,
		Status:  string(d.Verdict.Severity),
		Nonce:   nonce,
	})
	if d.Enforcement.Bans() {
		_ = s.Peer.Close(protocol.CloseBanned, ReasonBanned)
	}
	return d, false
}

// enforce applies the decision's enforcement and records it in the audit
// log. Failures are logged; the verdict stands either way.
func (g *Gateway) enforce(ctx context.Context, s Session, d moderation.Decision, messageID string) {
	e := d.Enforcement
	if enforcementLabel(e) == "" {
		return
	}

	if g.deps.Bans != nil {
		if err := g.deps.Bans.Apply(ctx, s.UserID, s.Peer.RemoteIP(), e, d.Verdict.Reason); err != nil {
			g.logger.Error().Err(err).Str("user_id", s.UserID).Str("enforcement", string(e.Type)).Msg("apply enforcement failed")
		}
	}
	if g.deps.Audit != nil {
		entry := store.Entry{
			UserID:     s.UserID,
			MessageID:  messageID,
			Type:       string(e.Type),
			DurationMs: e.Duration,
			Reason:     d.Verdict.Reason,
			Tier:       d.Verdict.Tier,
			Severity:   string(d.Verdict.Severity),
			CreatedAt:  time.Now().UTC(),
		}
		if err := g.deps.Audit.Record(ctx, entry); err != nil {
			g.logger.Error().Err(err).Str("user_id", s.UserID).Msg("record enforcement failed")
		}
	}
}

func enforcementLabel(e moderation.Enforcement) string {
	if e.Type == "" || e.Type == moderation.EnforceNone {
		return ""
	}
	return string(e.Type)
}

// ---------------------------------------------------------------------------
// Message handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleMessageCreate(ctx context.Context, s Session, f *protocol.Frame) error {
	var p protocol.MessageCreatePayload
	if err := decode(f, &p); err != nil {
		return err
	}
	if p.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrInvalidPayload)
	}
	if err := ValidateContent(p.Content); err != nil {
		return err
	}
	if !g.allow(ctx, s, "message", g.cfg.MessageRules) {
		return nil
	}
	if err := g.requireMember(ctx, p.GuildID, s.UserID); err != nil {
		return err
	}

	id := uuid.NewString()
	d, ok := g.screen(ctx, s, moderation.Input{
		UserID:    s.UserID,
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		Content:   p.Content,
	}, id, p.Nonce)
	if !ok {
		return nil
	}

	m := &store.Message{
		ID:          id,
		ChannelID:   p.ChannelID,
		GuildID:     p.GuildID,
		AuthorID:    s.UserID,
		Content:     p.Content,
		Reactions:   map[string][]string{},
		Flags:       d.Verdict.Flags,
		Enforcement: enforcementLabel(d.Enforcement),
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.deps.Messages.Upsert(ctx, m); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	g.joinChannel(s, m)
	return g.broadcast(ctx, protocol.EventMessageCreate, messageEvent{Message: m, Nonce: p.Nonce}, m.GuildID, m.ChannelID)
}

func (g *Gateway) handleMessageUpdate(ctx context.Context, s Session, f *protocol.Frame) error {
	var p protocol.MessageUpdatePayload
	if err := decode(f, &p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPayload)
	}
	if err := ValidateContent(p.Content); err != nil {
		return err
	}
	if !g.allow(ctx, s, "message", g.cfg.MessageRules) {
		return nil
	}

	m, err := g.getMessage(ctx, p.ID, p.ChannelID)
	if err != nil {
		return err
	}
	if m.AuthorID != s.UserID {
		return ErrForbidden
	}

	d, ok := g.screen(ctx, s, moderation.Input{
		UserID:    s.UserID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   p.Content,
	}, m.ID, "")
	if !ok {
		return nil
	}

	now := time.Now().UTC()
	m.Content = p.Content
	m.Flags = d.Verdict.Flags
	m.Enforcement = enforcementLabel(d.Enforcement)
	m.EditedAt = &now
	if err := g.deps.Messages.Upsert(ctx, m); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return g.broadcast(ctx, protocol.EventMessageUpdate, messageEvent{Message: m}, m.GuildID, m.ChannelID)
}

func (g *Gateway) handleMessageDelete(ctx context.Context, s Session, f *protocol.Frame) error {
	var p protocol.MessageRefPayload
	if err := decode(f, &p); err != nil {
		return err
	}
	m, err := g.getMessage(ctx, p.ID, p.ChannelID)
	if err != nil {
		return err
	}
	if err := g.canManage(ctx, s.UserID, m); err != nil {
		return err
	}
	if err := g.deps.Messages.Delete(ctx, m.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return g.broadcast(ctx, protocol.EventMessageDelete, deletedEvent{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}, m.GuildID, m.ChannelID)
}

func (g *Gateway) handleMessagePin(pinned bool) eventHandler {
	event := protocol.EventMessageUnpin
	if pinned {
		event = protocol.EventMessagePin
	}
	return func(ctx context.Context, s Session, f *protocol.Frame) error {
		var p protocol.MessageRefPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		m, err := g.getMessage(ctx, p.ID, p.ChannelID)
		if err != nil {
			return err
		}
		if err := g.canManage(ctx, s.UserID, m); err != nil {
			return err
		}
		if err := g.deps.Messages.SetPinned(ctx, m.ID, pinned); err != nil {
			return fmt.Errorf("pin message: %w", err)
		}
		m.Pinned = pinned
		return g.broadcast(ctx, event, messageEvent{Message: m}, m.GuildID, m.ChannelID)
	}
}

func (g *Gateway) handleMessageReaction(ctx context.Context, s Session, f *protocol.Frame) error {
	var p protocol.ReactionPayload
	if err := decode(f, &p); err != nil {
		return err
	}
	if p.Emoji == "" {
		return fmt.Errorf("%w: emoji is required", ErrInvalidPayload)
	}
	m, err := g.getMessage(ctx, p.MessageID, p.ChannelID)
	if err != nil {
		return err
	}
	if err := g.requireMember(ctx, m.GuildID, s.UserID); err != nil {
		return err
	}

	if p.Remove {
		m, err = g.deps.Messages.RemoveReaction(ctx, m.ID, p.Emoji, s.UserID)
	} else {
		m, err = g.deps.Messages.AddReaction(ctx, m.ID, p.Emoji, s.UserID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("react: %w", err)
	}
	g.joinChannel(s, m)
	return g.broadcast(ctx, protocol.EventMessageReaction, messageEvent{Message: m}, m.GuildID, m.ChannelID)
}

// getMessage loads a message and checks that it lives in channelID when
// the client named one.
func (g *Gateway) getMessage(ctx context.Context, id, channelID string) (*store.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidPayload)
	}
	m, err := g.deps.Messages.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	if channelID != "" && m.ChannelID != channelID {
		return nil, store.ErrNotFound
	}
	return m, nil
}
