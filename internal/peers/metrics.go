package peers

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "peers"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers in the pool.
	Peers metrics.Gauge
	// Number of peers currently lent to a pipeline request.
	Borrowed metrics.Gauge
	// Number of penalties applied.
	Penalties metrics.Counter
	// Number of bans imposed.
	Bans metrics.Counter
	// Reputation events by kind.
	ReputationEvents metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers in the sync pool.",
		}, labels).With(labelsAndValues...),
		Borrowed: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "borrowed",
			Help:      "Number of outstanding peer requests.",
		}, labels).With(labelsAndValues...),
		Penalties: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "penalties",
			Help:      "Number of penalties applied to peers.",
		}, labels).With(labelsAndValues...),
		Bans: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bans",
			Help:      "Number of temporary bans imposed on peers.",
		}, labels).With(labelsAndValues...),
		ReputationEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reputation_events",
			Help:      "Number of reputation events recorded, by event.",
		}, append(labels, "event")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:            discard.NewGauge(),
		Borrowed:         discard.NewGauge(),
		Penalties:        discard.NewCounter(),
		Bans:             discard.NewCounter(),
		ReputationEvents: discard.NewCounter(),
	}
}
