// Package metrics provides Prometheus instrumentation for the gateway. It
// exposes gauges for connection counts, counters for frame and broadcast
// throughput, and histograms for moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open websocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_gateway_connections",
		Help: "Current number of open gateway connections",
	})

	// FramesReceived counts inbound frames by opcode name.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_gateway_frames_received_total",
		Help: "Inbound gateway frames by opcode",
	}, []string{"op"})

	// EventsDelivered counts events fanned out to local sessions, labeled by
	// the path they took: "local", "bus" or "fallback".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_gateway_events_delivered_total",
		Help: "Events delivered to local sessions by delivery path",
	}, []string{"path"})

	// BusPublishFailures counts publishes that fell back to local delivery.
	BusPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_gateway_bus_publish_failures_total",
		Help: "Bus publishes that failed and were delivered locally only",
	})

	// HeartbeatTimeouts counts connections terminated by the liveness sweep.
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_gateway_heartbeat_timeouts_total",
		Help: "Connections terminated for missing a heartbeat",
	})

	// RateLimited counts frames dropped by the flood governor.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_gateway_rate_limited_total",
		Help: "Frames dropped by the flood governor",
	}, []string{"action"})

	// ModerationVerdicts counts verdicts by deciding tier and severity.
	ModerationVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_moderation_verdicts_total",
		Help: "Moderation verdicts by deciding tier and severity",
	}, []string{"tier", "severity"})

	// ModerationLatency records end-to-end pipeline latency in seconds.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hearth_moderation_latency_seconds",
		Help:    "Moderation pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// RuleEngineRestarts counts rule engine subprocess respawns.
	RuleEngineRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_moderation_rule_engine_restarts_total",
		Help: "Rule engine subprocess respawns",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		FramesReceived,
		EventsDelivered,
		BusPublishFailures,
		HeartbeatTimeouts,
		RateLimited,
		ModerationVerdicts,
		ModerationLatency,
		RuleEngineRestarts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
