// Package metrics provides Prometheus metrics for the storage service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomeRejected = "rejected"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unistore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_storage_operations_total",
			Help: "Total storage operations by backend, operation and outcome",
		},
		[]string{"backend", "operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unistore_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_uploaded_bytes_total",
			Help: "Total bytes stored by successful uploads",
		},
		[]string{"backend"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_retry_attempts_total",
			Help: "Total retried backend calls",
		},
		[]string{"operation"},
	)

	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"operation"},
	)

	// Driver cache metrics
	driverCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistore_driver_cache_lookups_total",
			Help: "Driver cache lookups by result",
		},
		[]string{"result"},
	)

	driverCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unistore_driver_cache_evictions_total",
			Help: "Drivers evicted from the cache",
		},
	)

	driverCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unistore_driver_cache_entries",
			Help: "Number of cached drivers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOperation records one storage operation.
func RecordOperation(backend, operation, outcome string, duration time.Duration) {
	operationsTotal.WithLabelValues(backend, operation, outcome).Inc()
	operationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// AddUploadedBytes counts bytes written by a successful upload.
func AddUploadedBytes(backend string, n int64) {
	if n > 0 {
		bytesUploaded.WithLabelValues(backend).Add(float64(n))
	}
}

// RecordRetry records a retried backend call.
func RecordRetry(operation string) {
	retryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(operation string) {
	rateLimitHitsTotal.WithLabelValues(operation).Inc()
}

// RecordCacheHit records a driver cache hit.
func RecordCacheHit() {
	driverCacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a driver cache miss.
func RecordCacheMiss() {
	driverCacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheEviction records an evicted driver.
func RecordCacheEviction() {
	driverCacheEvictions.Inc()
}

// SetCacheSize sets the current number of cached drivers.
func SetCacheSize(n int) {
	driverCacheSize.Set(float64(n))
}
