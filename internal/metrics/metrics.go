// Package metrics wires the engine's operational counters and gauges
// into github.com/prometheus/client_golang, grounded on the
// *prometheus.Registry wiring in other_examples' queue worker
// (Geocoder89-event-hub, internal/queue/worker.go). The teacher's own
// internal/engine/metrics.go aggregates these in-process behind a mutex
// instead; since the retrieval pack supplies a real ecosystem metrics
// library for this exact concern, this engine uses it rather than
// reimplementing the teacher's bespoke aggregator (see DESIGN.md).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the engine publishes.
type Metrics struct {
	JobsSubmitted     *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobsDLQd          *prometheus.CounterVec
	JobsThrottled     *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
	RunningGauge      *prometheus.GaugeVec
	ReconcileSweepSeconds prometheus.Histogram
}

// New registers every metric against reg and returns the handle the
// Dispatcher/Runner/Reconciler use to record observations.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs submitted, labeled by tenant.",
		}, []string{"tenant"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "jobs_completed_total",
			Help:      "Total jobs that reached DONE, labeled by tenant.",
		}, []string{"tenant"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "jobs_failed_total",
			Help:      "Total FAILED transitions, labeled by tenant.",
		}, []string{"tenant"}),
		JobsDLQd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "jobs_dlq_total",
			Help:      "Total jobs moved to DLQ, labeled by tenant.",
		}, []string{"tenant"}),
		JobsThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "jobs_throttled_total",
			Help:      "Total THROTTLED transitions, labeled by tenant.",
		}, []string{"tenant"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "rate_limit_rejected_total",
			Help:      "Total submit/retry/replay calls rejected by the rate limiter.",
		}, []string{"tenant"}),
		RunningGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobqueue",
			Name:      "jobs_running",
			Help:      "Current concurrent-RUNNING jobs, labeled by tenant.",
		}, []string{"tenant"}),
		ReconcileSweepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Name:      "reconcile_sweep_seconds",
			Help:      "Wall-clock duration of a single reconciler sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.JobsSubmitted, m.JobsCompleted, m.JobsFailed, m.JobsDLQd,
		m.JobsThrottled, m.RateLimitRejected, m.RunningGauge, m.ReconcileSweepSeconds,
	)
	return m
}

// Noop returns a Metrics backed by a private, unreferenced registry — for
// tests and call-sites that don't care about observability.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
