// Package metrics exposes ingest counters to Prometheus and serves a small
// status API next to them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/project"
	"github.com/Napageneral/commsledger/internal/record"
)

const namespace = "commsledger"

var _ ingest.Observer = (*Metrics)(nil)

// Metrics holds the ingest collectors. It implements ingest.Observer.
type Metrics struct {
	ItemsProjected *prometheus.CounterVec
	ItemsSkipped   *prometheus.CounterVec
	ItemsFailed    *prometheus.CounterVec
	ChunksTotal    *prometheus.CounterVec
	ChunkDuration  *prometheus.HistogramVec
	ChunkItems     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers the collectors on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ItemsProjected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_projected_total",
			Help:      "Records written to the store by outcome",
		},
		[]string{"source", "outcome"}, // inserted, duplicate, suppressed
	)
	m.ItemsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Items dropped during normalization or filtering",
		},
		[]string{"source", "reason"},
	)
	m.ItemsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items whose projection failed",
		},
		[]string{"source"},
	)
	m.ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_committed_total",
			Help:      "Committed chunks",
		},
		[]string{"source"},
	)
	m.ChunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Time from first item to commit of a chunk",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"source"},
	)
	m.ChunkItems = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_items",
			Help:      "Items per committed chunk",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"source"},
	)

	m.registry.MustRegister(
		m.ItemsProjected,
		m.ItemsSkipped,
		m.ItemsFailed,
		m.ChunksTotal,
		m.ChunkDuration,
		m.ChunkItems,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ItemProjected(source string, outcome project.Outcome) {
	m.ItemsProjected.WithLabelValues(source, string(outcome)).Inc()
}

func (m *Metrics) ItemSkipped(source string, reason record.SkipReason) {
	m.ItemsSkipped.WithLabelValues(source, string(reason)).Inc()
}

func (m *Metrics) ItemFailed(source string) {
	m.ItemsFailed.WithLabelValues(source).Inc()
}

func (m *Metrics) ChunkCommitted(source string, items int, elapsed time.Duration) {
	m.ChunksTotal.WithLabelValues(source).Inc()
	m.ChunkItems.WithLabelValues(source).Observe(float64(items))
	m.ChunkDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}
