// Package monitoring - metrics.go exposes Prometheus collectors.
//
// DESIGN: Operational counters only; per-request detail goes to the SQLite
// tracker. Outcome labels are a small closed set so cardinality stays flat.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for requests_total.
const (
	OutcomeSuccess   = "success"
	OutcomeUpstream  = "upstream_error"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeBadInput  = "bad_input"
	OutcomeCancelled = "cancelled"
	OutcomeInternal  = "internal_error"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Failovers       *prometheus.CounterVec
	StreamChunks    prometheus.Counter
	BridgeConnected prometheus.Gauge
	PendingRequests prometheus.Gauge
}

// NewMetrics registers the collectors on a registry (pass nil for the
// default registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webrelay_requests_total",
			Help: "Client requests handled, by outcome.",
		}, []string{"outcome"}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webrelay_failovers_total",
			Help: "Identity switch attempts, by result.",
		}, []string{"result"}),
		StreamChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "webrelay_stream_chunks_total",
			Help: "Stream chunks relayed to clients.",
		}),
		BridgeConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webrelay_bridge_connected",
			Help: "Whether the bridge back-channel is connected (0/1).",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webrelay_pending_requests",
			Help: "Requests currently awaiting upstream events.",
		}),
	}
}
