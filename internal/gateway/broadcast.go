package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/messaging"
	"github.com/hearth/gateway/internal/metrics"
	"github.com/hearth/gateway/internal/protocol"
	"github.com/hearth/gateway/internal/ws"
)

// Delivery paths, used as the metrics label.
const (
	PathLocal    = "local"
	PathBus      = "bus"
	PathFallback = "fallback"
)

// busDeliverTimeout bounds the membership lookup for one bus event.
const busDeliverTimeout = 5 * time.Second

// Broadcaster fans events out to every gateway process. Publishing goes to
// the bus; when the publish call fails the event is delivered to local
// sessions through Deliver, the same function the bus subscriber uses.
type Broadcaster struct {
	bus        messaging.Bus
	registry   *Registry
	membership Membership
	origin     string
	logger     zerolog.Logger
}

// NewBroadcaster creates a Broadcaster. bus and membership may be nil:
// without a bus every event is delivered locally, without a membership
// index guild scope resolves through locally joined guild rooms.
func NewBroadcaster(bus messaging.Bus, registry *Registry, membership Membership, origin string, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:        bus,
		registry:   registry,
		membership: membership,
		origin:     origin,
		logger:     logger.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast publishes ev. It never fails: a bus error degrades to local
// delivery only.
func (b *Broadcaster) Broadcast(ctx context.Context, ev messaging.Event) {
	ev.Origin = b.origin
	if b.bus == nil {
		b.Deliver(ctx, ev, PathLocal)
		return
	}

	if err := b.bus.Publish(ctx, ev); err != nil {
		metrics.BusPublishFailures.Inc()
		b.logger.Warn().Err(err).Str("event", ev.T).Msg("bus publish failed, delivering locally")
		b.Deliver(ctx, ev, PathFallback)
	}
}

// Subscribe attaches Deliver to the bus. Call once per process.
func (b *Broadcaster) Subscribe() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Subscribe(func(ev messaging.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), busDeliverTimeout)
		defer cancel()
		b.Deliver(ctx, ev, PathBus)
	})
}

// Deliver sends ev to the local sessions in its scope and returns how many
// sessions it was written to.
func (b *Broadcaster) Deliver(ctx context.Context, ev messaging.Event, path string) int {
	frame, err := protocol.NewDispatch(ev.T, ev.D)
	if err != nil {
		b.logger.Error().Err(err).Str("event", ev.T).Msg("encode event failed")
		return 0
	}

	n := 0
	for _, p := range b.resolve(ctx, ev) {
		if err := p.Send(frame); err != nil {
			b.logger.Debug().Err(err).Str("session_id", p.ID()).Str("event", ev.T).Msg("deliver failed")
			continue
		}
		n++
	}
	metrics.EventsDelivered.WithLabelValues(path).Add(float64(n))
	return n
}

// resolve maps the event scope to local peers. Guild scope uses the
// membership index and falls back to sessions that joined the guild room
// when the index is unavailable or has no entry. Room scope uses joined
// rooms. Events without scope go to every identified session.
func (b *Broadcaster) resolve(ctx context.Context, ev messaging.Event) []ws.Peer {
	switch {
	case ev.GuildID != "":
		if b.membership != nil {
			members, err := b.membership.Members(ctx, ev.GuildID)
			if err != nil {
				b.logger.Warn().Err(err).Str("guild_id", ev.GuildID).Msg("membership lookup failed")
			} else if len(members) > 0 {
				users := make(map[string]struct{}, len(members))
				for _, m := range members {
					users[m] = struct{}{}
				}
				return b.registry.ForUsers(users)
			}
		}
		return b.registry.InRoom(RoomGuild + ev.GuildID)
	case ev.Room != "":
		return b.registry.InRoom(ev.Room)
	default:
		return b.registry.Identified()
	}
}
