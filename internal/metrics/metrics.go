// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_connections", Help: "Currently connected tunnel clients"})
	PendingRequests   = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_pending_requests", Help: "In-flight forwarded requests awaiting a response"})
	ForwardsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_forwards_total", Help: "Forwarded requests by outcome"}, []string{"outcome"})
	ReplaysTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replays_total", Help: "Replayed requests"})
	KeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_key_rotations_total", Help: "Encryption keypair generations"})
	ForwardSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_forward_duration_seconds", Help: "Forward round-trip latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
)

// Forward outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeError        = "error"
)
