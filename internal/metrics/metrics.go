// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts intake decisions by result (accepted or a rejection code).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscan_uploads_total",
			Help: "Upload submissions by result",
		},
		[]string{"result"},
	)

	// UploadBytes tracks accepted upload sizes.
	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidscan_upload_bytes",
			Help:    "Size of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
		},
	)

	// PipelineJobs counts finished pipeline runs by terminal status.
	PipelineJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscan_pipeline_jobs_total",
			Help: "Pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// PipelineActive is the number of jobs currently running.
	PipelineActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidscan_pipeline_active_jobs",
			Help: "Jobs currently executing in the pipeline",
		},
	)

	// StageDuration tracks per-stage execution time including retries.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vidscan_pipeline_stage_seconds",
			Help:    "Pipeline stage processing time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// StageRetries counts retried stage attempts.
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscan_pipeline_stage_retries_total",
			Help: "Stage attempts that failed and were retried",
		},
		[]string{"stage"},
	)

	// BusSubscribers is the number of live progress subscribers.
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidscan_progress_subscribers",
			Help: "Live progress bus subscribers",
		},
	)

	// BusEvents counts progress bus deliveries by result (delivered, evicted).
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscan_progress_events_total",
			Help: "Progress events by delivery result",
		},
		[]string{"result"},
	)

	// StreamResponses counts stream responses by status code class.
	StreamResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscan_stream_responses_total",
			Help: "Range stream responses by HTTP status",
		},
		[]string{"code"},
	)
)
