package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksTotal counts processed chunks
	// Labels: status (ok/skipped)
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medscribe_chunks_total",
			Help: "Total number of audio chunks handled by the worker",
		},
		[]string{"status"},
	)

	// JobsTotal counts finished jobs by terminal status
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medscribe_jobs_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// StageDuration observes duration of chunk stages
	// Labels: stage (extract/transcribe/classify/store)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medscribe_stage_duration_seconds",
			Help:    "Chunk processing stage duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// StoreRetries counts retried store operations
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medscribe_store_retries_total",
			Help: "Total number of store operation retries",
		},
		[]string{"op"},
	)

	// CPUIdle is the last measured average idle percent
	CPUIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medscribe_cpu_idle_percent",
			Help: "Last averaged CPU idle percent seen by the admission gate",
		},
	)

	// GateWait observes time spent waiting for idle CPU
	GateWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medscribe_gate_wait_seconds",
			Help:    "Time spent waiting for the CPU gate",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900},
		},
	)

	// QueueSize is the number of queued jobs
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medscribe_queue_size",
			Help: "Number of jobs waiting in the worker queue",
		},
	)
)

// RecordChunk marks chunk as processed or skipped
func RecordChunk(ok bool) {
	status := "ok"
	if !ok {
		status = "skipped"
	}
	ChunksTotal.WithLabelValues(status).Inc()
}

// RecordStage records stage duration in seconds
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}
