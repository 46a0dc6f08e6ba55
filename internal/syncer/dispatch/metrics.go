package dispatch

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "dispatch"
)

// Metrics contains metrics exposed by this package. Every metric carries a
// "pipeline" label.
type Metrics struct {
	// Requests sent to peers.
	Requests metrics.Counter
	// Requests that failed in transport or timed out.
	RequestFailures metrics.Counter
	// Responses rejected as invalid.
	PeerFaults metrics.Counter
	// Allocation attempts that found no peer.
	NoPeerAvailable metrics.Counter
	// Requests currently in flight.
	InFlight metrics.Gauge
	// Time between sending a request and receiving its response.
	RequestDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	labels = append(labels, "pipeline")
	return &Metrics{
		Requests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests",
			Help:      "Number of requests sent to peers.",
		}, labels).With(labelsAndValues...),
		RequestFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_failures",
			Help:      "Number of requests that failed or timed out.",
		}, labels).With(labelsAndValues...),
		PeerFaults: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_faults",
			Help:      "Number of responses rejected as invalid.",
		}, labels).With(labelsAndValues...),
		NoPeerAvailable: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "no_peer_available",
			Help:      "Number of allocation attempts that found no peer.",
		}, labels).With(labelsAndValues...),
		InFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "in_flight",
			Help:      "Number of requests in flight.",
		}, labels).With(labelsAndValues...),
		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time to receive a response from a peer.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 14),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:        discard.NewCounter(),
		RequestFailures: discard.NewCounter(),
		PeerFaults:      discard.NewCounter(),
		NoPeerAvailable: discard.NewCounter(),
		InFlight:        discard.NewGauge(),
		RequestDuration: discard.NewHistogram(),
	}
}

// pipelineMetrics binds Metrics to one pipeline label.
type pipelineMetrics struct {
	requests        metrics.Counter
	requestFailures metrics.Counter
	peerFaults      metrics.Counter
	noPeerAvailable metrics.Counter
	inFlight        metrics.Gauge
	requestDuration metrics.Histogram
}

func (m *Metrics) forPipeline(name string) pipelineMetrics {
	return pipelineMetrics{
		requests:        m.Requests.With("pipeline", name),
		requestFailures: m.RequestFailures.With("pipeline", name),
		peerFaults:      m.PeerFaults.With("pipeline", name),
		noPeerAvailable: m.NoPeerAvailable.With("pipeline", name),
		inFlight:        m.InFlight.With("pipeline", name),
		requestDuration: m.RequestDuration.With("pipeline", name),
	}
}
