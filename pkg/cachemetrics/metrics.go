package cachemetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors published by the cache. A nil *Metrics is
// valid and every method becomes a no-op, so components can be instantiated
// without a Prometheus registry during tests.
type Metrics struct {
	schemaCacheHits    prometheus.Counter
	schemaCacheMisses  prometheus.Counter
	reflectorEvents    *prometheus.CounterVec
	reflectorRelists   *prometheus.CounterVec
	storeQueryDuration *prometheus.HistogramVec
	storeRowCount      *prometheus.GaugeVec
}

// New registers the cache's collectors against registry. Pass a fresh
// prometheus.NewRegistry(), never prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	return &Metrics{
		schemaCacheHits:   newCounter(registry, "k8s_cache_schema_hits_total", "Schema discovery cache hits"),
		schemaCacheMisses: newCounter(registry, "k8s_cache_schema_misses_total", "Schema discovery cache misses (server RPCs issued)"),
		reflectorEvents: newCounterVec(registry, "k8s_cache_reflector_events_total",
			"Watch events ingested by a reflector, by resource kind and event type", []string{"kind", "event_type"}),
		reflectorRelists: newCounterVec(registry, "k8s_cache_reflector_relists_total",
			"Relist (List) calls issued by a reflector, by resource kind", []string{"kind"}),
		storeQueryDuration: newHistogramVec(registry, "k8s_cache_store_query_duration_seconds",
			"Store query duration by operation", []string{"operation"}),
		storeRowCount: newGaugeVec(registry, "k8s_cache_store_rows",
			"Current row count of a resource's backing table, by resource kind", []string{"kind"}),
	}
}

// IncSchemaCacheHit records a schema cache lookup that was already resolved.
func (m *Metrics) IncSchemaCacheHit() {
	if m == nil {
		return
	}
	m.schemaCacheHits.Inc()
}

// IncSchemaCacheMiss records a schema cache lookup that required a discovery RPC.
func (m *Metrics) IncSchemaCacheMiss() {
	if m == nil {
		return
	}
	m.schemaCacheMisses.Inc()
}

// IncReflectorEvent records one ingested watch event for kind.
func (m *Metrics) IncReflectorEvent(kind, eventType string) {
	if m == nil {
		return
	}
	m.reflectorEvents.WithLabelValues(kind, eventType).Inc()
}

// IncReflectorRelist records one List (relist) call for kind.
func (m *Metrics) IncReflectorRelist(kind string) {
	if m == nil {
		return
	}
	m.reflectorRelists.WithLabelValues(kind).Inc()
}

// ObserveStoreQueryDuration records how long a Store operation took.
func (m *Metrics) ObserveStoreQueryDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.storeQueryDuration.WithLabelValues(operation).Observe(seconds)
}

// SetStoreRowCount publishes the current row count for kind's table.
func (m *Metrics) SetStoreRowCount(kind string, count float64) {
	if m == nil {
		return
	}
	m.storeRowCount.WithLabelValues(kind).Set(count)
}
