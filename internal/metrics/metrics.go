// Package metrics exposes Prometheus counters/histograms for the
// job-orchestration subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted counts jobs entering the running state, by pipeline.
	JobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_jobs_started_total",
			Help: "Total jobs started by pipeline",
		},
		[]string{"pipeline"},
	)

	// JobsFinished counts jobs reaching a terminal state, by pipeline and status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_jobs_finished_total",
			Help: "Total jobs finished by pipeline and terminal status",
		},
		[]string{"pipeline", "status"},
	)

	// JobDuration tracks wall time from InitJobState to terminal transition.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrich_job_duration_seconds",
			Help:    "Job duration from init to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"pipeline"},
	)

	// ProviderCalls counts ProviderFanout outcomes by provider and result kind.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_provider_calls_total",
			Help: "Provider fanout calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// CacheOutcomes counts cache lookups by namespace and hit/miss/negative.
	CacheOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_cache_outcomes_total",
			Help: "Cache lookups by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)

	// RateLimitDecisions counts RateLimiter verdicts by outcome
	// ("true", "false" or "error").
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_rate_limit_decisions_total",
			Help: "Rate limiter decisions",
		},
		[]string{"allowed"},
	)
)
