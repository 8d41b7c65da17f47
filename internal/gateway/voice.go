package gateway

import (
	"context"

	"github.com/hearth/gateway/internal/protocol"
	"github.com/hearth/gateway/internal/session"
)

// handleVoiceState records or clears the user's voice channel in a guild
// and broadcasts the change to the guild.
func (g *Gateway) handleVoiceState(ctx context.Context, s Session, f *protocol.Frame) {
	var p protocol.VoiceStatePayload
	if err := f.Decode(&p); err != nil || p.GuildID == "" {
		g.sendError(s.Peer, protocol.ErrCodeInvalidPayload, ReasonInvalidVoice)
		return
	}
	if err := g.requireMember(ctx, p.GuildID, s.UserID); err != nil {
		g.fail(s, protocol.EventVoiceStateUpdate, err)
		return
	}

	joined := p.ChannelID != nil && *p.ChannelID != ""
	g.registry.LeavePrefix(s.ID, RoomVoice)

	if joined {
		vs := session.VoiceState{
			UserID:    s.UserID,
			SessionID: s.ID,
			GuildID:   p.GuildID,
			ChannelID: *p.ChannelID,
			SelfMute:  p.SelfMute,
			SelfDeaf:  p.SelfDeaf,
		}
		g.registry.Join(s.ID, RoomVoice+vs.ChannelID)
		if g.deps.Sessions != nil {
			if err := g.deps.Sessions.SetVoiceState(ctx, vs); err != nil {
				g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("store voice state failed")
			}
		}
	} else if g.deps.Sessions != nil {
		if err := g.deps.Sessions.DeleteVoiceState(ctx, p.GuildID, s.UserID); err != nil {
			g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("delete voice state failed")
		}
	}

	var channel *string
	if joined {
		channel = p.ChannelID
	}
	if err := g.broadcast(ctx, protocol.EventVoiceStateUpdate, protocol.VoiceStateEvent{
		UserID:    s.UserID,
		SessionID: s.ID,
		GuildID:   p.GuildID,
		ChannelID: channel,
		SelfMute:  p.SelfMute,
		SelfDeaf:  p.SelfDeaf,
	}, p.GuildID, ""); err != nil {
		g.logger.Error().Err(err).Str("session_id", s.ID).Msg("broadcast voice state failed")
	}
}
