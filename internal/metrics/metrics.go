// Package metrics provides Prometheus metrics for artefact managers, storage
// backends and the transfer engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend call metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stow_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stow_backend_operations_total",
			Help: "Total number of backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// S3 API metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stow_s3_operation_duration_seconds",
			Help:    "S3 API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stow_s3_operations_total",
			Help: "Total S3 API calls",
		},
		[]string{"operation", "status"},
	)

	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stow_transfers_total",
			Help: "Artefacts handled by cp/mv/sync, by outcome",
		},
		[]string{"operation", "result"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stow_transfer_bytes_total",
			Help: "Total bytes written by cp/mv/sync",
		},
		[]string{"operation"},
	)

	transferRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stow_transfer_run_duration_seconds",
			Help:    "Duration of a whole cp/mv/sync run",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"operation"},
	)

	// Manager cache metrics
	cachedArtefacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stow_cached_artefacts",
			Help: "Live artefact handles held in a manager's arena",
		},
		[]string{"manager"},
	)

	directoryListingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stow_directory_listings_total",
			Help: "Backend listings triggered by JIT directory collection",
		},
		[]string{"manager"},
	)
)

// Transfer results.
const (
	ResultTransferred = "transferred"
	ResultSkipped     = "skipped"
	ResultDeleted     = "deleted"
	ResultFailed      = "failed"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBackendOperation records a single backend call.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordS3Operation records a single S3 API call.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordTransfer records the outcome for one artefact of a cp/mv/sync run.
func RecordTransfer(operation, result string, bytes int64) {
	transfersTotal.WithLabelValues(operation, result).Inc()
	if bytes > 0 {
		transferBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordTransferRun records the duration of a whole cp/mv/sync run.
func RecordTransferRun(operation string, duration time.Duration) {
	transferRunDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetCachedArtefacts sets the number of live handles in a manager's arena.
func SetCachedArtefacts(manager string, count int) {
	cachedArtefacts.WithLabelValues(manager).Set(float64(count))
}

// RecordDirectoryListing counts a JIT directory collection.
func RecordDirectoryListing(manager string) {
	directoryListingsTotal.WithLabelValues(manager).Inc()
}
