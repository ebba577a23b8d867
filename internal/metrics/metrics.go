package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP requests
	RequestsTotal *prometheus.CounterVec

	// Batch outcomes
	BatchesTotal *prometheus.CounterVec // by status: completed, partial, failed, cancelled

	// Document-level metrics
	DocumentsRequestedHist prometheus.Histogram   // documents per batch
	DocumentsPackedHist    prometheus.Histogram   // documents that made it into the archive
	DocumentsTotal         *prometheus.CounterVec // by result: packed, skipped
	ResolutionsTotal       *prometheus.CounterVec // by outcome: ok, rate_limited, rejected, error
	FetchTotal             *prometheus.CounterVec // by transport and result
	PostProcessTotal       *prometheus.CounterVec // by result: success, error

	// Remote API
	APIRequestDuration *prometheus.HistogramVec // by endpoint and status class

	// Rate budget and pause gate
	BudgetRemaining  prometheus.Gauge       // -1 when unknown
	PauseCyclesTotal *prometheus.CounterVec // by outcome: resumed, abandoned
	PauseDuration    prometheus.Histogram

	// Performance metrics
	BatchDurationHist prometheus.Histogram
	ArchiveBytesHist  prometheus.Histogram
	IncomingBytesHist prometheus.Histogram

	// Backend performance
	DatabaseQueryDuration *prometheus.HistogramVec // history store latency by db_type
	OutputWriteDuration   *prometheus.HistogramVec // archive sink latency by output_type

	// Authentication/Security
	SignatureFailuresTotal prometheus.Counter
	ExpiredRequestsTotal   prometheus.Counter

	// Callback metrics
	CallbacksTotal  *prometheus.CounterVec // by status: success, failure
	CallbackRetries prometheus.Counter

	// Concurrency
	ActiveBatches prometheus.Gauge
	ActiveWorkers prometheus.Gauge

	// ZIP statistics
	CompressionRatio prometheus.Histogram

	// Client behavior
	ClientDisconnectsTotal prometheus.Counter

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend: output

	// Health checks
	HealthStatus       *prometheus.GaugeVec   // by component (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec // by component

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

var countBuckets = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_requests_total",
				Help: "Total number of HTTP requests by status code",
			}, []string{"status"}),

			BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_batches_total",
				Help: "Total number of batches by outcome (completed, partial, failed, cancelled)",
			}, []string{"status"}),

			DocumentsRequestedHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_documents_requested",
				Help:    "Number of documents requested per batch",
				Buckets: countBuckets,
			}),
			DocumentsPackedHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_documents_packed",
				Help:    "Number of documents packed into the archive per batch",
				Buckets: countBuckets,
			}),
			DocumentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_documents_total",
				Help: "Total documents processed by result (packed, skipped)",
			}, []string{"result"}),
			ResolutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_resolutions_total",
				Help: "Download URL resolutions by outcome (ok, rate_limited, rejected, error)",
			}, []string{"outcome"}),
			FetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_fetch_total",
				Help: "Byte fetch attempts by transport and result",
			}, []string{"transport", "result"}),
			PostProcessTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_postprocess_total",
				Help: "Post-processing runs by result (success, error)",
			}, []string{"result"}),

			APIRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "docbatch_api_request_duration_seconds",
				Help:    "Remote API request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"endpoint", "status"}),

			BudgetRemaining: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "docbatch_budget_remaining",
				Help: "Last known captcha counter (-1 when unknown)",
			}),
			PauseCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_pause_cycles_total",
				Help: "Pause cycles by outcome (resumed, abandoned)",
			}, []string{"outcome"}),
			PauseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_pause_duration_seconds",
				Help:    "Time spent waiting for human resolution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			}),

			BatchDurationHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_batch_duration_seconds",
				Help:    "Batch duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			}),
			ArchiveBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_archive_bytes",
				Help:    "Finalized archive size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 30),
			}),
			IncomingBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_incoming_bytes",
				Help:    "Uncompressed bytes packed per batch",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 30),
			}),

			DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "docbatch_database_query_duration_seconds",
				Help:    "History store query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"db_type"}),
			OutputWriteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "docbatch_output_write_duration_seconds",
				Help:    "Archive sink write duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"output_type", "result"}),

			SignatureFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docbatch_signature_failures_total",
				Help: "Total number of failed signature verifications",
			}),
			ExpiredRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docbatch_expired_requests_total",
				Help: "Total number of requests with expired timestamps",
			}),

			CallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_callbacks_total",
				Help: "Total number of callback attempts by status",
			}, []string{"status"}),
			CallbackRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docbatch_callback_retries_total",
				Help: "Total number of callback retry attempts",
			}),

			ActiveBatches: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "docbatch_active_batches",
				Help: "Number of batches currently running",
			}),
			ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "docbatch_active_workers",
				Help: "Number of batch workers currently running",
			}),

			CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "docbatch_compression_ratio",
				Help:    "Compression ratio (compressed/uncompressed)",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			}),

			ClientDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docbatch_client_disconnects_total",
				Help: "Total number of client disconnects during a batch",
			}),

			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "docbatch_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			}, []string{"backend"}),

			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "docbatch_health_status",
				Help: "Health status by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "docbatch_health_checks_failed_total",
				Help: "Total number of failed health checks by component",
			}, []string{"component"}),

			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "docbatch_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "docbatch_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector updates runtime gauges every interval until ctx is done.
func (m *Metrics) StartRuntimeMetricsCollector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.collectRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) collectRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryGauge.Set(float64(mem.HeapAlloc))
	m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))
}
