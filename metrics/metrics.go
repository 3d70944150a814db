package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InsertsTotal counts pushed inserts by table and push status
	InsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqinsertq_inserts_total",
			Help: "Total number of insert statements pushed to the queue",
		},
		[]string{"table", "status"},
	)

	// BatchEntries tracks how many entries a flushed batch contained
	BatchEntries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqinsertq_batch_entries",
			Help:    "Number of entries per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"table"},
	)

	// BatchBytes tracks the payload size of a flushed batch
	BatchBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqinsertq_batch_bytes",
			Help:    "Payload bytes per flushed batch",
			Buckets: prometheus.ExponentialBuckets(64, 4, 12),
		},
		[]string{"table"},
	)

	// FlushLatency tracks how long the storage write of a batch took
	FlushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqinsertq_flush_latency_seconds",
			Help:    "Batch flush latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// FlushesTotal counts flushed batches by table and result
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqinsertq_flushes_total",
			Help: "Total number of batch flushes",
		},
		[]string{"table", "result"},
	)

	// PendingEntries reports entries currently waiting in the queue
	PendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqinsertq_pending_entries",
			Help: "Entries currently buffered across all shards",
		},
	)

	// TrackedMemory reports per-user memory charged for buffered payloads
	TrackedMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tqinsertq_tracked_memory_bytes",
			Help: "Payload bytes currently charged per user",
		},
		[]string{"user"},
	)

	// DedupSkipped counts entries suppressed by their deduplication token
	DedupSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqinsertq_dedup_skipped_total",
			Help: "Entries skipped because their dedup token was already written",
		},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(InsertsTotal)
		prometheus.MustRegister(BatchEntries)
		prometheus.MustRegister(BatchBytes)
		prometheus.MustRegister(FlushLatency)
		prometheus.MustRegister(FlushesTotal)
		prometheus.MustRegister(PendingEntries)
		prometheus.MustRegister(TrackedMemory)
		prometheus.MustRegister(DedupSkipped)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
