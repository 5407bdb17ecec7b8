// Package metrics holds the Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squish_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "squish_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "squish_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Compression metrics
var (
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squish_compressions_total",
			Help: "Total number of compression requests by outcome",
		},
		[]string{"status"},
	)

	CompressionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "squish_compression_duration_seconds",
			Help:    "Transcoder execution time in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
	)

	CompressionInputBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "squish_compression_input_bytes",
			Help:    "Uploaded media size in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
	)
)

// Storage metrics
var (
	ArtifactsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squish_artifacts_swept_total",
			Help: "Total number of expired artifacts removed from storage",
		},
	)
)
