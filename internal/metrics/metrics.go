// Package metrics exposes Prometheus instrumentation for the encryption
// pipeline. Labels are restricted to low-cardinality operation and error-type
// values; nothing derived from payloads or contexts is ever used as a label.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	chunksProcessed      *prometheus.CounterVec
	chunkSetSize         prometheus.Histogram
	contextFieldsDropped prometheus.Counter
	logEventsRedacted    prometheus.Counter
	storeOperations      *prometheus.CounterVec
	storeOperationErrors *prometheus.CounterVec
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
}

// NewMetrics creates a metrics instance on its own registry, so multiple
// instances (one per engine under test) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		chunksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_chunks_total",
				Help: "Total number of chunks processed by the orchestrator",
			},
			[]string{"operation"},
		),
		chunkSetSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_chunk_set_size",
				Help:    "Number of chunks per envelope set",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		contextFieldsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "context_fields_dropped_total",
				Help: "Context fields dropped by the validator",
			},
		),
		logEventsRedacted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "log_values_redacted_total",
				Help: "Log metadata values redacted by the event logger",
			},
		),
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of envelope store operations",
			},
			[]string{"operation"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operation_errors_total",
				Help: "Total number of envelope store errors",
			},
			[]string{"operation", "error_type"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordEncryptionOperation records a successful encryption operation.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordChunks records chunks processed for one orchestrator call.
func (m *Metrics) RecordChunks(operation string, count int) {
	m.chunksProcessed.WithLabelValues(operation).Add(float64(count))
	m.chunkSetSize.Observe(float64(count))
}

// RecordContextFieldDropped counts a validator drop.
func (m *Metrics) RecordContextFieldDropped() {
	m.contextFieldsDropped.Inc()
}

// RecordLogValueRedacted counts a logger redaction.
func (m *Metrics) RecordLogValueRedacted() {
	m.logEventsRedacted.Inc()
}

// RecordStoreOperation records an envelope store operation.
func (m *Metrics) RecordStoreOperation(operation string) {
	m.storeOperations.WithLabelValues(operation).Inc()
}

// RecordStoreError records an envelope store error.
func (m *Metrics) RecordStoreError(operation, errorType string) {
	m.storeOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
