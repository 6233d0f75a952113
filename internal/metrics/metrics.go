// Package metrics holds the Prometheus collectors and OpenTelemetry span
// helpers used across the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step attempt outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeCached   = "cached"
	OutcomeRetry    = "retry"
	OutcomeTimeout  = "timeout"
	OutcomeTerminal = "terminal"
)

var (
	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegen_step_attempts_total",
			Help: "Step attempts by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitegen_step_duration_seconds",
			Help:    "Wall-clock duration of a step including retries",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)

	WorkflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegen_workflows_finished_total",
			Help: "Workflow instances that reached a terminal status",
		},
		[]string{"status"},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitegen_workflows_active",
			Help: "Workflow instances currently running in this process",
		},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitegen_quality_score",
			Help:    "Final quality score of published sites",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	Regenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegen_regenerations_total",
			Help: "Quality gate regeneration passes by outcome",
		},
		[]string{"outcome"},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitegen_audit_dropped_total",
			Help: "Workflow log entries dropped because the buffer was full or the sink failed",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegen_step_cache_lookups_total",
			Help: "Step cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitegen_circuit_open",
			Help: "1 while the named circuit breaker rejects calls",
		},
		[]string{"breaker"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegen_prompt_tokens_total",
			Help: "Model tokens consumed by prompt id and direction",
		},
		[]string{"prompt", "direction"},
	)
)
