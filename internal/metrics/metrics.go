// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creator_pipeline_runs_created_total", Help: "Pipeline runs accepted.",
	})
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_runs_finished_total", Help: "Pipeline runs that reached a terminal status.",
	}, []string{"status"})
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creator_pipeline_runs_active", Help: "Pipeline runs currently executing.",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creator_pipeline_stage_duration_seconds",
		Help:    "Wall time of stage invocations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage", "result"})
	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_stage_attempts_total", Help: "Stage invocation attempts, including retries.",
	}, []string{"stage"})

	BatchesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_batches_applied_total", Help: "Batches applied by the aggregator.",
	}, []string{"stage", "kind"})
	OverflowWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_overflow_writes_total", Help: "Full rewrites of overflow blobs.",
	}, []string{"stage"})

	StreamsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creator_pipeline_streams_open", Help: "Streaming bridges currently attached.",
	})
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_stream_events_total", Help: "Events written to stream clients.",
	}, []string{"event"})
	StreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_stream_outcomes_total", Help: "How streaming bridges ended.",
	}, []string{"outcome"})

	NotifyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creator_pipeline_notify_outcomes_total", Help: "Run notification publish outcomes.",
	}, []string{"result"})
)
