package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/auth"
	"github.com/hearth/gateway/internal/ban"
	"github.com/hearth/gateway/internal/membership"
	"github.com/hearth/gateway/internal/messaging"
	"github.com/hearth/gateway/internal/moderation"
	"github.com/hearth/gateway/internal/protocol"
	"github.com/hearth/gateway/internal/ratelimit"
	"github.com/hearth/gateway/internal/session"
	"github.com/hearth/gateway/internal/store"
	"github.com/hearth/gateway/internal/ws"
)

const testSecret = "gateway-test-secret"

var errPeerClosed = errors.New("peer closed")

// ---------------------------------------------------------------------------
// fakePeer
// ---------------------------------------------------------------------------

type fakePeer struct {
	id      string
	ip      string
	handler interface{ OnDisconnect(p ws.Peer) }

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
	alive       bool
}

func (p *fakePeer) ID() string       { return p.id }
func (p *fakePeer) RemoteIP() string { return p.ip }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

// Close mirrors the transport: the first close notifies the handler.
func (p *fakePeer) Close(code int, reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeCode = code
	p.closeReason = reason
	p.mu.Unlock()

	p.handler.OnDisconnect(p)
	return nil
}

func (p *fakePeer) MarkAlive() {
	p.mu.Lock()
	p.alive = true
	p.mu.Unlock()
}

func (p *fakePeer) isAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakePeer) isClosed() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closeCode
}

func (p *fakePeer) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(p.sent))
	for _, data := range p.sent {
		f, err := protocol.ParseFrame(data)
		if err != nil {
			t.Fatalf("peer %s got undecodable frame %q", p.id, data)
		}
		out = append(out, f)
	}
	return out
}

func (p *fakePeer) dispatches(t *testing.T, event string) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for _, f := range p.frames(t) {
		if f.Op == protocol.OpDispatch && f.T == event {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.sent = nil
	p.mu.Unlock()
}

// lastError returns the payload of the most recent ERROR frame.
func (p *fakePeer) lastError(t *testing.T) protocol.ErrorPayload {
	t.Helper()
	errs := p.dispatches(t, protocol.EventError)
	if len(errs) == 0 {
		t.Fatalf("peer %s got no ERROR frame", p.id)
	}
	var e protocol.ErrorPayload
	if err := errs[len(errs)-1].Decode(&e); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return e
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	gw       *Gateway
	mem      *store.Memory
	bans     *ban.Store
	index    *membership.Index
	sessions *session.Store
}

var peerSeq atomic.Int64

type harnessOption func(cfg *Config, deps *Deps)

func withBus(bus messaging.Bus) harnessOption {
	return func(_ *Config, deps *Deps) { deps.Bus = bus }
}

func withFrameRules(rules ratelimit.Rules) harnessOption {
	return func(cfg *Config, _ *Deps) { cfg.FrameRules = rules }
}

func withServerName(name string) harnessOption {
	return func(cfg *Config, _ *Deps) { cfg.ServerName = name }
}

func newRedis(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return client
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	return newHarnessOn(t, mr, store.NewMemory(), opts...)
}

// newHarnessOn builds a gateway on shared Redis and storage, so several
// harnesses behave like instances of one cluster.
func newHarnessOn(t *testing.T, mr *miniredis.Miniredis, mem *store.Memory, opts ...harnessOption) *harness {
	t.Helper()
	rdb := newRedis(t, mr)
	logger := zerolog.Nop()

	h := &harness{
		t:        t,
		mr:       mr,
		rdb:      rdb,
		mem:      mem,
		bans:     ban.NewStore(rdb),
		index:    membership.NewIndex(rdb, time.Hour),
		sessions: session.NewStore(rdb, "gw-test", time.Hour),
	}

	cfg := DefaultConfig()
	cfg.FrameRules = ratelimit.FrameRules(1000, 1000)
	cfg.MessageRules = ratelimit.MessageRules(1000, 1000)
	deps := Deps{
		Sessions:   h.sessions,
		Verifier:   auth.NewVerifier(testSecret, mem),
		Bans:       h.bans,
		Membership: h.index,
		Limiter:    ratelimit.NewLimiter(rdb, logger),
		Moderator:  moderation.NewPipeline(nil, moderation.NewMemoryCounter(), logger),
		Messages:   mem,
		Authz:      mem,
		Audit:      mem,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.gw = New(cfg, deps, logger)
	return h
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) connect() *fakePeer {
	p := &fakePeer{
		id:      fmt.Sprintf("s%d", peerSeq.Add(1)),
		ip:      "10.0.0.1",
		handler: h.gw,
	}
	h.gw.OnConnect(p)
	return p
}

func (h *harness) send(p *fakePeer, op protocol.Opcode, event string, payload interface{}) {
	h.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			h.t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	data, err := json.Marshal(protocol.Frame{Op: op, T: event, D: raw})
	if err != nil {
		h.t.Fatalf("marshal frame: %v", err)
	}
	h.gw.OnFrame(p, data)
}

func (h *harness) dispatch(p *fakePeer, event string, payload interface{}) {
	h.t.Helper()
	h.send(p, protocol.OpDispatch, event, payload)
}

// join registers userID in guildID in the membership index.
func (h *harness) join(guildID string, userIDs ...string) {
	h.t.Helper()
	for _, uid := range userIDs {
		if err := h.index.Add(context.Background(), guildID, uid); err != nil {
			h.t.Fatalf("membership add: %v", err)
		}
	}
}

// identified connects and identifies userID, then clears the peer's frames.
func (h *harness) identified(userID string) *fakePeer {
	h.t.Helper()
	p := h.connect()
	h.send(p, protocol.OpIdentify, "", protocol.IdentifyPayload{Token: token(h.t, userID)})
	if len(p.dispatches(h.t, protocol.EventReady)) != 1 {
		h.t.Fatalf("user %s did not get READY", userID)
	}
	p.reset()
	return p
}

// postMessage creates a message as p and returns the stored message.
func (h *harness) postMessage(p *fakePeer, guildID, content string) *store.Message {
	h.t.Helper()
	h.dispatch(p, protocol.EventMessageCreate, protocol.MessageCreatePayload{
		ChannelID: "c1",
		GuildID:   guildID,
		Content:   content,
	})
	created := p.dispatches(h.t, protocol.EventMessageCreate)
	if len(created) == 0 {
		h.t.Fatalf("message %q was not broadcast back to its author", content)
	}
	var m store.Message
	if err := created[len(created)-1].Decode(&m); err != nil {
		h.t.Fatalf("decode message: %v", err)
	}
	p.reset()
	return &m
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
