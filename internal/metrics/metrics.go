package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framepool_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "framepool_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "framepool_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// Ingestion metrics
	FilesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framepool_files_ingested_total",
			Help: "Per-file ingestion outcomes by source",
		},
		[]string{"source", "outcome"}, // outcome: success, failed, duplicate
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "framepool_batch_duration_seconds",
			Help:    "Wall time from batch start to completion",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"source"},
	)

	BytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framepool_bytes_stored_total",
			Help: "Total bytes written to the object store",
		},
	)

	// Collection metrics
	CollectionsFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framepool_collections_finalized_total",
			Help: "Total buffer collections promoted to permanent collections",
		},
	)

	MetadataExtractionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framepool_metadata_extraction_failures_total",
			Help: "EXIF extractions that failed and were skipped",
		},
	)
)

// RecordHTTPRequest records metrics for an HTTP request
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := httpStatusToString(status)
	HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordFileOutcome records one per-file pipeline outcome.
func RecordFileOutcome(source, outcome string) {
	FilesIngested.WithLabelValues(source, outcome).Inc()
}

func httpStatusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}
