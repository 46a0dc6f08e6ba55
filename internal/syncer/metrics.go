package syncer

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/chainkit/chainsync/types"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "syncer"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Pipelines currently running, by kind.
	Pipelines metrics.Gauge
	// Pipelines that ended with a fault, by kind.
	PipelineFaults metrics.Counter
	// Sync events received from pipelines, by event.
	SyncEvents metrics.Counter
	// Current sync mode bits.
	Mode metrics.Gauge
	// Number of sync mode changes.
	ModeChanges metrics.Counter
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
		Pipelines: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pipelines",
			Help:      "Number of running sync pipelines.",
		}, append(labels, "kind")).With(labelsAndValues...),
		PipelineFaults: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pipeline_faults",
			Help:      "Number of sync pipelines that stopped with a fault.",
		}, append(labels, "kind")).With(labelsAndValues...),
		SyncEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_events",
			Help:      "Number of sync events reported by block download pipelines.",
		}, append(labels, "event")).With(labelsAndValues...),
		Mode: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mode",
			Help:      "Current sync mode as a bit set.",
		}, labels).With(labelsAndValues...),
		ModeChanges: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mode_changes",
			Help:      "Number of sync mode changes.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Pipelines:      discard.NewGauge(),
		PipelineFaults: discard.NewCounter(),
		SyncEvents:     discard.NewCounter(),
		Mode:           discard.NewGauge(),
		ModeChanges:    discard.NewCounter(),
	}
}

// ObserveMode records a sync mode change. It fits the mode selector's
// OnChange callback.
func (m *Metrics) ObserveMode(_, next types.SyncMode) {
	m.Mode.Set(float64(next))
	m.ModeChanges.Add(1)
}
