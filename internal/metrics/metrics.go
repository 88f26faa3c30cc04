package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	RequestsCreatedTotal  prometheus.Counter
	RequestsCompletedTotal prometheus.Counter
	RequestsExpiredTotal  prometheus.Counter
	SignAttemptsTotal     *prometheus.CounterVec
	FieldSubmissionsTotal *prometheus.CounterVec
	RemindersTotal        *prometheus.CounterVec

	// Capture metrics
	CaptureStoreTotal *prometheus.CounterVec

	// Certificate metrics
	CertificatesGeneratedTotal prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		RequestsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sign_requests_created_total",
			Help: "Total number of signature requests created",
		}),

		RequestsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sign_requests_completed_total",
			Help: "Total number of signature requests completed",
		}),

		RequestsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sign_requests_expired_total",
			Help: "Total number of signature requests expired",
		}),

		SignAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sign_attempts_total",
			Help: "Total number of recipient sign attempts",
		}, []string{"status"}),

		FieldSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sign_field_submissions_total",
			Help: "Total number of field value submissions",
		}, []string{"field_type", "status"}),

		RemindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sign_reminders_total",
			Help: "Total number of reminder decisions",
		}, []string{"status"}),

		CaptureStoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sign_capture_store_total",
			Help: "Total number of stored signature captures by storage path",
		}, []string{"path"}),

		CertificatesGeneratedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sign_certificates_generated_total",
			Help: "Total number of certificates generated",
		}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.RequestsCreatedTotal)
	registerOrGet(m.RequestsCompletedTotal)
	registerOrGet(m.RequestsExpiredTotal)
	registerOrGet(m.SignAttemptsTotal)
	registerOrGet(m.FieldSubmissionsTotal)
	registerOrGet(m.RemindersTotal)
	registerOrGet(m.CaptureStoreTotal)
	registerOrGet(m.CertificatesGeneratedTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
