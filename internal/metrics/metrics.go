package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics holds the Prometheus instruments for the relay.
type Metrics struct {
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge

	FramesRelayed *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec

	SlowClientDisconnects prometheus.Counter
	JoinsRejected         *prometheus.CounterVec
}

// New registers the relay's metrics with the given registry. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live WebSocket connections",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one connection",
		}),
		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Frames forwarded to room members",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before relay",
		}, []string{"reason"}),
		SlowClientDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_client_disconnects_total",
			Help:      "Connections dropped because their send buffer filled",
		}),
		JoinsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Handshakes refused before registration",
		}, []string{"reason"}),
	}
}

// Frame kind labels.
const (
	KindSync      = "sync"
	KindAwareness = "awareness"
)

// Drop reason labels.
const (
	ReasonInvalidFrame = "invalid_frame"
	ReasonMergeFailed  = "merge_failed"
	ReasonRateLimited  = "rate_limited"
)
