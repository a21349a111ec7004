// ABOUTME: Prometheus instruments for the event delivery pipeline
// ABOUTME: Tracks connections, deliveries, recovery buffering and drops

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	EventsDelivered   *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	RecoveryStored    prometheus.Counter
	RecoveryFlushed   prometheus.Counter
	RecoveryDropped   prometheus.Counter
	RecoveryDepth     prometheus.Gauge
	InboundRejected   *prometheus.CounterVec
	HeartbeatReaped   prometheus.Counter
	ActiveRuns        prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the instrument set on a fresh registry. Each gateway owns its
// own registry so tests can construct metrics without collisions.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live persistent connections.",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events delivered to a connection, by event type.",
		}, []string{"type"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-connection delivery failures, by cause.",
		}, []string{"cause"}),
		RecoveryStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_stored_total",
			Help:      "Events buffered because no connection was live.",
		}),
		RecoveryFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_flushed_total",
			Help:      "Buffered events replayed on reconnect.",
		}),
		RecoveryDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_dropped_total",
			Help:      "Buffered events discarded past TTL. A user-visible delivery loss.",
		}),
		RecoveryDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_depth",
			Help:      "Events currently held in the recovery buffer.",
		}),
		InboundRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_total",
			Help:      "Inbound client frames rejected, by reason.",
		}, []string{"reason"}),
		HeartbeatReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_reaped_total",
			Help:      "Connections removed after missing heartbeat responses.",
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Execution contexts currently live.",
		}),
		registry: reg,
	}
}

// Handler serves this metric set over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
