// Package metrics holds the Prometheus collectors exported by the store.
//
// Every recording method is safe to call on a nil *Metrics, so components
// that were built without metrics do not need to check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one store.
type Metrics struct {
	// Object metrics
	ObjectsWritten prometheus.Counter // cabs_objects_written_total
	BytesWritten   prometheus.Counter // cabs_bytes_written_total
	BytesRead      prometheus.Counter // cabs_bytes_read_total

	// Cache metrics
	CacheRequests  *prometheus.CounterVec // cabs_cache_requests_total{result}
	CacheEvictions prometheus.Counter     // cabs_cache_evictions_total
	CacheObjects   prometheus.Gauge       // cabs_cache_objects
	CacheBytes     prometheus.Gauge       // cabs_cache_bytes

	// Backend metrics
	BackendRequests *prometheus.CounterVec   // cabs_backend_requests_total{operation,status}
	BackendDuration *prometheus.HistogramVec // cabs_backend_request_duration_seconds{operation}

	// GC metrics
	GCRuns         *prometheus.CounterVec // cabs_gc_runs_total{strategy,status}
	GCRemoved      prometheus.Counter     // cabs_gc_objects_removed_total
	GCBytesRemoved prometheus.Counter     // cabs_gc_bytes_removed_total
	GCDuration     prometheus.Histogram   // cabs_gc_duration_seconds

	// Transaction metrics
	Transactions *prometheus.CounterVec // cabs_transactions_total{outcome}
}

// New registers the store metrics with reg. A nil reg gets a private
// registry, which keeps several stores in one process from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ObjectsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_objects_written_total",
			Help: "Objects created by put operations",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_bytes_written_total",
			Help: "Bytes accepted by put operations",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_bytes_read_total",
			Help: "Bytes served by get operations",
		}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabs_cache_requests_total",
			Help: "Cache lookups by result (hit, miss)",
		}, []string{"result"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_cache_evictions_total",
			Help: "Objects evicted from the disk cache",
		}),
		CacheObjects: f.NewGauge(prometheus.GaugeOpts{
			Name: "cabs_cache_objects",
			Help: "Objects held in the disk cache",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cabs_cache_bytes",
			Help: "Bytes held in the disk cache",
		}),

		BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabs_backend_requests_total",
			Help: "Backend requests by operation and status",
		}, []string{"operation", "status"}),
		BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cabs_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		GCRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabs_gc_runs_total",
			Help: "Finished garbage collection runs by strategy and status",
		}, []string{"strategy", "status"}),
		GCRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_gc_objects_removed_total",
			Help: "Objects removed by garbage collection",
		}),
		GCBytesRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "cabs_gc_bytes_removed_total",
			Help: "Bytes reclaimed by garbage collection",
		}),
		GCDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cabs_gc_duration_seconds",
			Help:    "Garbage collection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabs_transactions_total",
			Help: "Finished transactions by outcome (committed, rolled-back)",
		}, []string{"outcome"}),
	}
}

// RecordPut records a put of n bytes that did or did not create an object.
func (m *Metrics) RecordPut(n int64, created bool) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
	if created {
		m.ObjectsWritten.Inc()
	}
}

// RecordRead records bytes served.
func (m *Metrics) RecordRead(n int64) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordEviction records n evicted objects.
func (m *Metrics) RecordEviction(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// UpdateCache sets the cache occupancy gauges.
func (m *Metrics) UpdateCache(objects int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheObjects.Set(float64(objects))
	m.CacheBytes.Set(float64(bytes))
}

// RecordBackend records one backend request.
func (m *Metrics) RecordBackend(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BackendRequests.WithLabelValues(operation, status).Inc()
	m.BackendDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordGC records a finished collection run.
func (m *Metrics) RecordGC(strategy string, err error, removed int, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GCRuns.WithLabelValues(strategy, status).Inc()
	m.GCRemoved.Add(float64(removed))
	m.GCBytesRemoved.Add(float64(bytes))
	m.GCDuration.Observe(elapsed.Seconds())
}

// RecordTransaction records a finished transaction.
func (m *Metrics) RecordTransaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}
