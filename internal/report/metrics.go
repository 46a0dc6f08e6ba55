package report

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "sync_report"
)

// Metrics contains metrics exposed by this package. Every metric carries a
// "pipeline" label.
type Metrics struct {
	// Current position of the pipeline.
	Current metrics.Gauge
	// Target position of the pipeline.
	Target metrics.Gauge
	// Items stored by the pipeline.
	Processed metrics.Counter
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
		Current: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "current",
			Help:      "Current position of a sync pipeline.",
		}, append(labels, "pipeline")).With(labelsAndValues...),
		Target: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target",
			Help:      "Target position of a sync pipeline.",
		}, append(labels, "pipeline")).With(labelsAndValues...),
		Processed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processed",
			Help:      "Number of items stored by a sync pipeline.",
		}, append(labels, "pipeline")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Current:   discard.NewGauge(),
		Target:    discard.NewGauge(),
		Processed: discard.NewCounter(),
	}
}
