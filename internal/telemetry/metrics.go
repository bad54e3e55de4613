package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_enqueued_total", Help: "Generation jobs created"})
	SubmissionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_job_submission_failures_total", Help: "Jobs failed because the provider did not accept the submission"})
	Transitions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_job_transitions_total", Help: "Applied job status transitions"}, []string{"from", "to"})
	ReconcileOutcomes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_job_reconcile_total", Help: "Reconcile calls by outcome"}, []string{"outcome"})
	Reclassified       = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_reclassified_total", Help: "Provider failures reclassified as limited-tier completions"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	SweepDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "video_sweep_duration_seconds", Help: "Duration of background reconcile sweeps", Buckets: prometheus.DefBuckets})
	ProcessingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_jobs_processing", Help: "Processing jobs seen by the last sweep"})
	ArchiveOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_media_archive_total", Help: "Media archive attempts by outcome"}, []string{"outcome"})
	BreakerChanges     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_provider_breaker_changes_total", Help: "Provider circuit breaker state changes"}, []string{"from", "to"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			SubmissionFailures,
			Transitions,
			ReconcileOutcomes,
			Reclassified,
			RateLimitRejects,
			SweepDuration,
			ProcessingGauge,
			ArchiveOutcomes,
			BreakerChanges,
		)
	})
	return promhttp.Handler()
}
