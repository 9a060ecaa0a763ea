// Package metrics provides Prometheus collectors for the buffer pool, the task executor and the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ShutdownTimeout bounds the graceful shutdown of the metrics HTTP server.
const ShutdownTimeout = 5 * time.Second

// Label values shared by the collectors.
const (
	ResultReuse     = "reuse"
	ResultAlloc     = "alloc"
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultError     = "error"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// latencyBuckets covers 100µs to ~100s
var latencyBuckets = prometheus.ExponentialBuckets(0.0001, 4, 11)
