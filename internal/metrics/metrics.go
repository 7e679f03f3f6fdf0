// Package metrics provides Prometheus metrics collection for dlpgate.
//
// The package exposes metrics at /metrics on the API port:
//
// Request Metrics:
//   - dlpgate_http_requests_total: Total requests by method, route and status class
//   - dlpgate_http_request_duration_seconds: Request latency histogram
//
// Inspection Metrics:
//   - dlpgate_uploads_total: Uploads by outcome (success, blocked, locked, error)
//   - dlpgate_detections_total: Sensitive matches by label
//   - dlpgate_risk_level_total: Uploads by risk level
//   - dlpgate_extraction_errors_total: Unreadable documents by format
//
// Security Metrics:
//   - dlpgate_anomalies_total: Anomaly events by kind
//   - dlpgate_accounts_locked_total: Automatic account locks
//   - dlpgate_rate_limit_requests_total: Rate limited routes by result
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts total number of requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlpgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// UploadsTotal counts uploads by outcome
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_uploads_total",
			Help: "Total number of uploads by outcome",
		},
		[]string{"status"},
	)

	// UploadBytes tracks the size of accepted upload bodies
	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dlpgate_upload_size_bytes",
			Help:    "Size of uploaded files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		},
	)

	// DetectionsTotal counts sensitive matches by label
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_detections_total",
			Help: "Total number of sensitive data matches by label",
		},
		[]string{"label"},
	)

	// RiskLevelTotal counts scored uploads by level
	RiskLevelTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_risk_level_total",
			Help: "Total number of scored uploads by risk level",
		},
		[]string{"level"},
	)

	// AnomaliesTotal counts anomaly events by kind
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_anomalies_total",
			Help: "Total number of anomaly events by kind",
		},
		[]string{"kind"},
	)

	// AccountsLockedTotal counts automatic account locks
	AccountsLockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlpgate_accounts_locked_total",
			Help: "Total number of accounts locked by escalation",
		},
	)

	// ExtractionErrorsTotal counts documents whose text could not be extracted
	ExtractionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_extraction_errors_total",
			Help: "Total number of text extraction failures by format",
		},
		[]string{"format"},
	)

	// RateLimitRequestsTotal counts requests checked by the rate limiter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlpgate_rate_limit_requests_total",
			Help: "Total number of rate limited route requests by result",
		},
		[]string{"path", "result"},
	)

	// RateLimitActiveIPs tracks the number of client IPs with a live limiter
	RateLimitActiveIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlpgate_rate_limit_active_ips",
			Help: "Number of client IPs currently tracked by the rate limiter",
		},
	)

	// BuildInfo exposes the running version
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlpgate_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init() {
	BuildInfo.WithLabelValues(Version).Set(1)
}

// RecordRequest records a request with its method, route, status, and duration
func RecordRequest(method, path string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpload records an upload outcome
func RecordUpload(status string, sizeBytes int64) {
	UploadsTotal.WithLabelValues(status).Inc()

	if sizeBytes > 0 {
		UploadBytes.Observe(float64(sizeBytes))
	}
}

// RecordDetections adds the match counts of one scan
func RecordDetections(counts map[string]int) {
	for label, n := range counts {
		DetectionsTotal.WithLabelValues(label).Add(float64(n))
	}
}

// RecordRiskLevel records the level of a scored upload
func RecordRiskLevel(level string) {
	RiskLevelTotal.WithLabelValues(level).Inc()
}

// RecordAnomaly records an anomaly event
func RecordAnomaly(kind string) {
	AnomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordAccountLocked records an automatic account lock
func RecordAccountLocked() {
	AccountsLockedTotal.Inc()
}

// RecordExtractionError records a text extraction failure
func RecordExtractionError(format string) {
	ExtractionErrorsTotal.WithLabelValues(format).Inc()
}

// RecordRateLimitRequest records a rate limiter decision
func RecordRateLimitRequest(path string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "limited"
	}

	RateLimitRequestsTotal.WithLabelValues(path, result).Inc()
}

// IncrementRateLimitActiveIPs increments the tracked IP gauge
func IncrementRateLimitActiveIPs() {
	RateLimitActiveIPs.Inc()
}

// DecrementRateLimitActiveIPs decrements the tracked IP gauge
func DecrementRateLimitActiveIPs() {
	RateLimitActiveIPs.Dec()
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
