// Package metrics provides Prometheus metrics for the volume copier.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the volume copier.
type Metrics struct {
	// Chunk metrics
	ChunksPlanned   *prometheus.CounterVec
	ChunksProcessed *prometheus.CounterVec
	ChunksSkipped   *prometheus.CounterVec
	ChunksFailed    *prometheus.CounterVec

	// Timing metrics
	ChunkReadDuration      *prometheus.HistogramVec
	ChunkTransformDuration *prometheus.HistogramVec
	ChunkWriteDuration     *prometheus.HistogramVec
	RunDuration            *prometheus.HistogramVec

	// Size metrics
	ChunkBytes *prometheus.CounterVec

	// Pipeline metrics
	InFlightChunks prometheus.Gauge
	RunsAborted    *prometheus.CounterVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
	LedgerErrors  *prometheus.CounterVec
	CatalogErrors *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Throughput
	ChunksPerSecond prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	Namespace string `yaml:"namespace"`
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "volume_copier"
	}
	f := promauto.With(reg)
	stageLevel := []string{"stage", "level"}

	return &Metrics{
		ChunksPlanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_planned_total",
				Help:      "Total number of chunk work units planned",
			},
			stageLevel,
		),
		ChunksProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_processed_total",
				Help:      "Total number of chunks transformed and written",
			},
			stageLevel,
		),
		ChunksSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_skipped_total",
				Help:      "Total number of chunks skipped (missing source)",
			},
			stageLevel,
		),
		ChunksFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_failed_total",
				Help:      "Total number of chunks that failed processing",
			},
			stageLevel,
		),
		ChunkReadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_read_duration_seconds",
				Help:      "Time to read a chunk and its neighbors",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"stage"},
		),
		ChunkTransformDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_transform_duration_seconds",
				Help:      "Time spent in the transform stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"stage"},
		),
		ChunkWriteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_write_duration_seconds",
				Help:      "Time to write the outputs of a chunk",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"stage"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a pipeline run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
			},
			[]string{"stage"},
		),
		ChunkBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_bytes_total",
				Help:      "Decoded payload bytes moved",
			},
			[]string{"stage", "direction"},
		),
		InFlightChunks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_chunks",
				Help:      "Number of chunks currently being processed",
			},
		),
		RunsAborted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_aborted_total",
				Help:      "Total number of runs stopped by a systemic error",
			},
			[]string{"stage"},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of chunk read/write errors",
			},
			[]string{"stage", "operation"},
		),
		LedgerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of ledger append errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of run catalog errors",
			},
			[]string{"operation"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of chunk retry attempts",
			},
			[]string{"stage"},
		),
		ChunksPerSecond: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks_per_second",
				Help:      "Chunk throughput of the last run",
			},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Stage     string
	Level     int
	Operation string
	Backend   string
}

func (l Labels) level() string { return strconv.Itoa(l.Level) }

// IncChunksPlanned adds to the planned chunks counter.
func (m *Metrics) IncChunksPlanned(l Labels, n int) {
	m.ChunksPlanned.WithLabelValues(l.Stage, l.level()).Add(float64(n))
}

// IncChunksProcessed increments the chunks processed counter.
func (m *Metrics) IncChunksProcessed(l Labels) {
	m.ChunksProcessed.WithLabelValues(l.Stage, l.level()).Inc()
}

// IncChunksSkipped increments the chunks skipped counter.
func (m *Metrics) IncChunksSkipped(l Labels) {
	m.ChunksSkipped.WithLabelValues(l.Stage, l.level()).Inc()
}

// IncChunksFailed increments the chunks failed counter.
func (m *Metrics) IncChunksFailed(l Labels) {
	m.ChunksFailed.WithLabelValues(l.Stage, l.level()).Inc()
}

// ObserveReadDuration records chunk read time.
func (m *Metrics) ObserveReadDuration(l Labels, seconds float64) {
	m.ChunkReadDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// ObserveTransformDuration records stage time.
func (m *Metrics) ObserveTransformDuration(l Labels, seconds float64) {
	m.ChunkTransformDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// ObserveWriteDuration records chunk write time.
func (m *Metrics) ObserveWriteDuration(l Labels, seconds float64) {
	m.ChunkWriteDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// ObserveRunDuration records the wall time of a run.
func (m *Metrics) ObserveRunDuration(l Labels, seconds float64) {
	m.RunDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// AddBytesRead adds to the bytes read counter.
func (m *Metrics) AddBytesRead(l Labels, n int64) {
	m.ChunkBytes.WithLabelValues(l.Stage, "read").Add(float64(n))
}

// AddBytesWritten adds to the bytes written counter.
func (m *Metrics) AddBytesWritten(l Labels, n int64) {
	m.ChunkBytes.WithLabelValues(l.Stage, "written").Add(float64(n))
}

// IncRunsAborted increments the aborted runs counter.
func (m *Metrics) IncRunsAborted(l Labels) {
	m.RunsAborted.WithLabelValues(l.Stage).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Stage, l.Operation).Inc()
}

// IncLedgerErrors increments the ledger errors counter.
func (m *Metrics) IncLedgerErrors(l Labels) {
	m.LedgerErrors.WithLabelValues(l.Backend).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors(l Labels) {
	m.CatalogErrors.WithLabelValues(l.Operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Stage).Inc()
}

// SetChunksPerSecond sets the current processing rate.
func (m *Metrics) SetChunksPerSecond(rate float64) {
	m.ChunksPerSecond.Set(rate)
}
