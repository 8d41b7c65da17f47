package ws

import (
	"time"

	"github.com/hearth/gateway/internal/metrics"
)

// runHeartbeat sweeps all connections every HeartbeatInterval until the
// server shuts down.
func (s *Server) runHeartbeat() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep terminates every connection that showed no activity since the
// previous sweep, then clears the flag on the rest and pings them. A pong,
// a HEARTBEAT frame or any other inbound frame marks a connection alive
// again before the next sweep.
func (s *Server) sweep() {
	for _, c := range s.conns.All() {
		if !c.alive.Swap(false) {
			metrics.HeartbeatTimeouts.Inc()
			s.logger.Info().
				Str("session_id", c.id).
				Dur("age", time.Since(c.CreatedAt).Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("session_id", c.id).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
