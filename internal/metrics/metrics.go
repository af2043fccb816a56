// Package metrics defines the prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts admitted jobs by type.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbase_jobs_submitted_total",
		Help: "Jobs admitted into the pipeline.",
	}, []string{"type"})

	// JobsCompleted counts jobs reaching the completed state.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbase_jobs_completed_total",
		Help: "Jobs finished successfully.",
	}, []string{"type"})

	// JobsFailed counts terminal failures by error code.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbase_jobs_failed_total",
		Help: "Jobs finished in the failed state.",
	}, []string{"code"})

	// AttemptDuration observes per-attempt wall time.
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocrbase_attempt_duration_seconds",
		Help:    "Worker attempt duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})

	// QueueDepth gauges ready items awaiting a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrbase_queue_depth",
		Help: "Ready work items.",
	})

	// RealtimeSubscribers gauges live realtime connections.
	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrbase_realtime_subscribers",
		Help: "Open realtime connections.",
	})
)
