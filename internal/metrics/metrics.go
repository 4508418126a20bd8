package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Row outcomes used as the status label
const (
	RowSent    = "sent"
	RowFailed  = "failed"
	RowSkipped = "skipped"
)

// Metrics holds all Prometheus metrics for mailbatch
type Metrics struct {
	// Row counters
	RowsTotal   *prometheus.CounterVec
	SendsFailed *prometheus.CounterVec

	// Batch
	BatchesTotal         *prometheus.CounterVec
	BatchDurationSeconds prometheus.Histogram
	BatchSending         prometheus.Gauge
	BatchRowsRemaining   prometheus.Gauge

	// Compose surface
	UploadWaitSeconds prometheus.Histogram
	SurfaceWaitsTotal *prometheus.CounterVec

	// Quota
	QuotaDeniedTotal *prometheus.CounterVec

	// Control API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_rows_total",
				Help: "Total number of processed rows by outcome",
			},
			[]string{"status", "mode"},
		),
		SendsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_sends_failed_total",
				Help: "Total number of failed sends by cause",
			},
			[]string{"cause"},
		),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_batches_total",
				Help: "Total number of finished batches by final state",
			},
			[]string{"state"},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailbatch_batch_duration_seconds",
				Help:    "Wall time of a batch from start to finalization",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
		BatchSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailbatch_batch_sending",
				Help: "1 while a batch is sending",
			},
		),
		BatchRowsRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailbatch_batch_rows_remaining",
				Help: "Rows not yet processed in the running batch",
			},
		),

		UploadWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailbatch_upload_wait_seconds",
				Help:    "Time spent waiting for attachment uploads to finish",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		SurfaceWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_surface_waits_total",
				Help: "Compose surface waits by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_quota_denied_total",
				Help: "Total number of sends refused by the send quota",
			},
			[]string{"level"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_api_requests_total",
				Help: "Total number of control API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailbatch_api_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbatch_api_errors_total",
				Help: "Total number of control API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailbatch_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailbatch_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailbatch_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RowsTotal,
		m.SendsFailed,
		m.BatchesTotal,
		m.BatchDurationSeconds,
		m.BatchSending,
		m.BatchRowsRemaining,
		m.UploadWaitSeconds,
		m.SurfaceWaitsTotal,
		m.QuotaDeniedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

func modeLabel(mock bool) string {
	if mock {
		return "mock"
	}
	return "live"
}

// IncRows counts one processed row
func IncRows(status string, mock bool) {
	if m := Global(); m != nil {
		m.RowsTotal.WithLabelValues(status, modeLabel(mock)).Inc()
	}
}

// IncSendFailed counts a failed send. cause is "rejected", "surface" or "error".
func IncSendFailed(cause string) {
	if m := Global(); m != nil {
		m.SendsFailed.WithLabelValues(cause).Inc()
	}
}

// ObserveBatch records a finalized batch
func ObserveBatch(state string, seconds float64) {
	if m := Global(); m != nil {
		m.BatchesTotal.WithLabelValues(state).Inc()
		m.BatchDurationSeconds.Observe(seconds)
	}
}

// SetSending flips the sending gauge and the remaining rows gauge
func SetSending(sending bool, remaining int) {
	m := Global()
	if m == nil {
		return
	}
	if sending {
		m.BatchSending.Set(1)
	} else {
		m.BatchSending.Set(0)
	}
	m.BatchRowsRemaining.Set(float64(remaining))
}

// ObserveUploadWait records how long an attachment upload kept the surface busy
func ObserveUploadWait(seconds float64) {
	if m := Global(); m != nil {
		m.UploadWaitSeconds.Observe(seconds)
	}
}

// IncSurfaceWait counts a surface wait outcome ("ok" or "timeout")
func IncSurfaceWait(op, outcome string) {
	if m := Global(); m != nil {
		m.SurfaceWaitsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// IncQuotaDenied increments the quota denial counter
func IncQuotaDenied(level string) {
	if m := Global(); m != nil {
		m.QuotaDeniedTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
