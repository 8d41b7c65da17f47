// Package protocol defines the gateway wire format exchanged between clients
// and the server. Every frame is a JSON object with an integer opcode, an
// optional event name for DISPATCH frames, and an opcode-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch         Opcode = 0
	OpHeartbeat        Opcode = 1
	OpIdentify         Opcode = 2
	OpVoiceStateUpdate Opcode = 4
	OpHello            Opcode = 10
	OpHeartbeatAck     Opcode = 11
)

// String returns the protocol name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("OP_%d", int(o))
	}
}

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server dispatch events.
const (
	EventMessageCreate   = "MESSAGE_CREATE"
	EventMessageUpdate   = "MESSAGE_UPDATE"
	EventMessageDelete   = "MESSAGE_DELETE"
	EventMessagePin      = "MESSAGE_PIN"
	EventMessageUnpin    = "MESSAGE_UNPIN"
	EventMessageReaction = "MESSAGE_REACTION"
)

// Server -> Client dispatch events.
const (
	EventReady            = "READY"
	EventVoiceStateUpdate = "VOICE_STATE_UPDATE"
	EventMessageRejected  = "MESSAGE_REJECTED"
	EventRateLimited      = "RATE_LIMITED"
	EventError            = "ERROR"
)

// ---------------------------------------------------------------------------
// Close codes
// ---------------------------------------------------------------------------

const (
	ClosePolicyViolation   = 1008
	CloseUnknownError      = 4000
	CloseDecodeError       = 4002
	CloseAuthFailed        = 4004
	CloseAlreadyIdentified = 4005
	CloseBanned            = 4006
)

// ---------------------------------------------------------------------------
// Error codes carried by ERROR dispatch frames
// ---------------------------------------------------------------------------

const (
	ErrCodeUnknownMessage     = 10008
	ErrCodeMissingPermissions = 50013
	ErrCodeInvalidPayload     = 50035
	ErrCodeInternal           = 50000
)

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the envelope of every gateway message. D is kept raw so that the
// payload can be decoded into the struct that matches (Op, T).
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// IdentifyPayload carries the credential presented by the client. Bot
// credentials are prefixed with "Bot ".
type IdentifyPayload struct {
	Token string `json:"token"`
}

// VoiceStatePayload is sent with OpVoiceStateUpdate. A nil ChannelID means
// the user left voice.
type VoiceStatePayload struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// MessageCreatePayload is the body of a MESSAGE_CREATE dispatch.
type MessageCreatePayload struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce,omitempty"`
}

// MessageUpdatePayload is the body of a MESSAGE_UPDATE dispatch.
type MessageUpdatePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// MessageRefPayload identifies a message for delete, pin and unpin.
type MessageRefPayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// ReactionPayload adds or removes a reaction.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// HelloPayload tells the client how often the server expects liveness.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// ReadyUser is the resolved identity returned in READY.
type ReadyUser struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

// ReadyPayload is sent after a successful IDENTIFY.
type ReadyPayload struct {
	SessionID string    `json:"session_id"`
	User      ReadyUser `json:"user"`
	Guilds    []string  `json:"guilds"`
}

// VoiceStateEvent is broadcast after a voice state change.
type VoiceStateEvent struct {
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RejectedPayload is sent when moderation refuses a message.
type RejectedPayload struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Flags   []string `json:"flags"`
	Score   float64  `json:"score"`
	Status  string   `json:"status"`
	Nonce   string   `json:"nonce,omitempty"`
}

// RateLimitedPayload is sent when a frame is dropped by the flood governor.
type RateLimitedPayload struct {
	RetryAfter float64 `json:"retry_after"`
}

// ErrorPayload reports a failed action without closing the connection.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseFrame decodes a raw websocket text frame into a Frame. The payload is
// left undecoded.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	return &f, nil
}

// Decode unmarshals the frame payload into v. An empty payload is an error.
func (f *Frame) Decode(v interface{}) error {
	if len(f.D) == 0 || string(f.D) == "null" {
		return fmt.Errorf("protocol: %s frame has no payload", f.Op)
	}
	if err := json.Unmarshal(f.D, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %s payload: %w", f.Op, err)
	}
	return nil
}

// NewFrame encodes an opcode and payload into frame bytes. A nil payload
// produces a frame without "d".
func NewFrame(op Opcode, payload interface{}) ([]byte, error) {
	f := Frame{Op: op}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", op, err)
		}
		f.D = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// NewDispatch encodes a DISPATCH frame for the given event name. payload
// may already be json.RawMessage, in which case it is embedded verbatim.
func NewDispatch(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", event, err)
		}
		raw = b
	}
	out, err := json.Marshal(Frame{Op: OpDispatch, T: event, D: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal dispatch: %w", err)
	}
	return out, nil
}

// NewError encodes an ERROR dispatch frame.
func NewError(code int, message string) ([]byte, error) {
	return NewDispatch(EventError, ErrorPayload{Code: code, Message: message})
}
