// Package cachemetrics provides the Prometheus instrumentation surface for
// the resource cache: schema-discovery hit/miss counters, reflector watch
// event counts, and store query latency.
package cachemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IMPORTANT: every constructor below accepts a prometheus.Registerer.
// NEVER register against the global prometheus.DefaultRegisterer — callers
// embedding this cache in a longer-lived process need metrics that are
// garbage collected along with the registry that owns them.

func newCounter(registry prometheus.Registerer, name, help string) prometheus.Counter {
	return promauto.With(registry).NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func newCounterVec(registry prometheus.Registerer, name, help string, labels []string) *prometheus.CounterVec {
	return promauto.With(registry).NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func newGaugeVec(registry prometheus.Registerer, name, help string, labels []string) *prometheus.GaugeVec {
	return promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

func newHistogramVec(registry prometheus.Registerer, name, help string, labels []string) *prometheus.HistogramVec {
	return promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: durationBuckets(),
	}, labels)
}

// durationBuckets covers 1ms to 10s, matching the range of a local SQLite
// query at the fast end and a slow API-server round trip at the other.
func durationBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
}
