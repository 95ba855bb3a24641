// Package metrics provides Prometheus metrics for the relay daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udprelay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Pairing table state
	PairsHalfOpen    prometheus.Gauge
	PairsEstablished prometheus.Gauge
	PairingsTotal    prometheus.Counter

	// Timeout sweeps
	PairingTimeouts    prometheus.Counter
	InactivityTimeouts prometheus.Counter
	ReverseIndexEvicts prometheus.Counter

	// Data plane
	PacketsForwarded prometheus.Counter
	BytesForwarded   prometheus.Counter
	ForwardErrors    prometheus.Counter

	// Control plane
	AuthFailures        prometheus.Counter
	MalformedDropped    prometheus.Counter
	ThirdPeerRejected   prometheus.Counter
	PingProbes          prometheus.Counter
	WeakSecretsAdmitted prometheus.Counter

	// Dispatcher classification, by outcome.
	PacketsClassified *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewUnregistered creates a Metrics instance backed by its own private
// registry. Useful for callers (and tests) that want working metrics
// without touching the global default registry.
func NewUnregistered() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PairsHalfOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_half_open",
			Help:      "Number of pairing entries waiting for a second peer",
		}),
		PairsEstablished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_established",
			Help:      "Number of fully established pairs",
		}),
		PairingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Total number of pairs that reached ESTABLISHED",
		}),
		PairingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_timeouts_total",
			Help:      "Total HALF_OPEN entries reaped by the pairing timeout",
		}),
		InactivityTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactivity_timeouts_total",
			Help:      "Total ESTABLISHED entries reaped by the inactivity timeout",
		}),
		ReverseIndexEvicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverse_index_evictions_total",
			Help:      "Total entries evicted due to a reverse-index address conflict",
		}),
		PacketsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Total data-plane datagrams forwarded between paired peers",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded between paired peers",
		}),
		ForwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total send errors encountered while forwarding (pair is retained)",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total pairing requests dropped due to PSK mismatch",
		}),
		MalformedDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_dropped_total",
			Help:      "Total datagrams dropped for failing to parse as a control message",
		}),
		ThirdPeerRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "third_peer_rejected_total",
			Help:      "Total pairing requests rejected because the pair already has two peers",
		}),
		PingProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_probes_total",
			Help:      "Total liveness probes answered with a pong",
		}),
		WeakSecretsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weak_secrets_admitted_total",
			Help:      "Total pairing requests admitted with a session secret shorter than the recommended minimum",
		}),
		PacketsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_classified_total",
			Help:      "Total datagrams classified by the dispatcher, by outcome",
		}, []string{"outcome"}),
	}
}
