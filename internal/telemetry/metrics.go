package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Jobs accepted by the store"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	Claims           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_claims_total", Help: "Due jobs claimed by this worker"}, []string{"type"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_claim_conflicts_total", Help: "Claims lost to another worker"})
	Deferrals        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_deferrals_total", Help: "Dispatches held back because a dependency was down"}, []string{"type"})
	Runs             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_runs_total", Help: "Recorded attempts by executor and outcome"}, []string{"type", "outcome"})
	RunDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_run_duration_seconds",
		Help:    "Wall time of an attempt",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"type"})
	DeadLetters      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to FAILED and the dead-letter list"})
	StaleRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_stale_runs_recovered_total", Help: "RUNNING jobs returned to PENDING after their worker vanished"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "job_runs_inflight", Help: "Attempts currently executing on this worker"})
	SchedulerTicks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler loop iterations"})
	HeartbeatSeconds = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_heartbeat_timestamp_seconds", Help: "Unix time of the last loop heartbeat"})
	DependencyUp     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dependency_up", Help: "1 when the last probe of a dependency succeeded"}, []string{"dependency"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			Claims,
			ClaimConflicts,
			Deferrals,
			Runs,
			RunDuration,
			DeadLetters,
			StaleRecovered,
			InFlightGauge,
			SchedulerTicks,
			HeartbeatSeconds,
			DependencyUp,
		)
	})
	return promhttp.Handler()
}
