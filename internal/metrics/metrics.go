// Package metrics defines custom Prometheus metrics for bleepupload.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	uperr "github.com/bleepstore/bleepupload/internal/errors"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for payload size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepupload_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepupload_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Upload protocol metrics.
var (
	// BlocksStagedTotal counts stage attempts by outcome kind.
	BlocksStagedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_blocks_staged_total",
			Help: "Block stage attempts by outcome",
		},
		[]string{"result"},
	)

	// BlockSize observes staged block payload sizes.
	BlockSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bleepupload_block_size_bytes",
			Help:    "Staged block payload size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// CommitsTotal counts block list commits by outcome kind.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_commits_total",
			Help: "Block list commits by outcome",
		},
		[]string{"result"},
	)

	// CommitBlocks observes the number of blocks per commit.
	CommitBlocks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bleepupload_commit_blocks",
			Help:    "Number of blocks listed per commit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		},
	)

	// SessionsTotal counts resumable session transitions by event
	// (created, completed, errored, aborted, reaped).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_sessions_total",
			Help: "Resumable session lifecycle events",
		},
		[]string{"event"},
	)

	// ChunksTotal counts resumable chunk writes by outcome kind.
	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_chunks_total",
			Help: "Resumable chunk writes by outcome",
		},
		[]string{"result"},
	)

	// CompletionDuration observes the final transfer to the durable store.
	CompletionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepupload_completion_duration_seconds",
			Help:    "Final transfer latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// BytesReceivedTotal counts payload bytes accepted by either protocol.
	BytesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepupload_bytes_received_total",
			Help: "Payload bytes accepted",
		},
		[]string{"protocol"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			BlocksStagedTotal,
			BlockSize,
			CommitsTotal,
			CommitBlocks,
			SessionsTotal,
			ChunksTotal,
			CompletionDuration,
			BytesReceivedTotal,
		)
		// Initialize so the series appear in /metrics before any upload.
		CommitsTotal.WithLabelValues("ok")
		SessionsTotal.WithLabelValues("created")
	})
}

// Result returns the "result" label for an outcome: "ok" for success,
// otherwise the error kind name.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return uperr.KindOf(err).String()
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from upload ids and object keys.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	case "/api/stage", "/api/stage/":
		return "/api/stage/"
	case "/api/commit", "/api/commit/":
		return "/api/commit/"
	}

	switch {
	case strings.HasPrefix(path, "/docs"):
		return "/docs"
	case strings.HasPrefix(path, "/api/objects/"):
		return "/api/objects/{key}"
	case strings.HasPrefix(path, "/api/uploads/"):
		if strings.HasSuffix(path, "/retry") {
			return "/api/uploads/{upload_id}/retry"
		}
		return "/api/uploads/{upload_id}"
	}

	// Everything else is treated as the tus endpoint: a base path, with or
	// without an upload id segment.
	trimmed := strings.Trim(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return "/" + trimmed + "/"
	}
	return "/" + trimmed[:idx] + "/{upload_id}"
}
