// Package reconciler implements the timer-driven sweep described in spec
// §4.4: a fixed schedule inspects THROTTLED, PENDING, FAILED, and
// lease-expired RUNNING jobs and moves each forward under its own row
// lock. Generalized from the teacher's engine.Engine requeue ticker
// (engine.go's requeueTicker/RequeueExpired loop), split into the four
// ordered categories this engine's state machine requires instead of the
// teacher's single lease-expiry requeue.
package reconciler

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

// Reconciler owns the periodic sweep.
type Reconciler struct {
	store    *store.Store
	notifier broker.Notifier
	clock    clock.Clock
	cfg      config.Config
	metrics  *metrics.Metrics
}

// Config bundles Reconciler construction parameters.
type Config struct {
	Store    *store.Store
	Notifier broker.Notifier
	Clock    clock.Clock
	Cfg      config.Config
	Metrics  *metrics.Metrics
}

// New builds a Reconciler.
func New(c Config) *Reconciler {
	return &Reconciler{store: c.Store, notifier: c.Notifier, clock: c.Clock, cfg: c.Cfg, metrics: c.Metrics}
}

// Run sweeps on a ticker of cfg.JobRetryScanSeconds until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.JobRetryScanSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs the four ordered categories once, each capped at
// cfg.ReconcilerBatchSize, each job under its own row lock. A failure on
// one row is logged and does not block the rest of its category or the
// other categories.
func (r *Reconciler) Sweep(ctx context.Context) {
	start := r.clock.Now()
	r.sweepPendingTimeouts(ctx)
	r.sweepThrottledReady(ctx)
	r.sweepFailedReady(ctx)
	r.sweepLeaseExpired(ctx)
	if r.metrics != nil {
		r.metrics.ReconcileSweepSeconds.Observe(r.clock.Now().Sub(start).Seconds())
	}
}

func (r *Reconciler) sweepPendingTimeouts(ctx context.Context) {
	now := r.clock.Now()
	timeout := time.Duration(r.cfg.JobPendingTimeoutSeconds) * time.Second
	candidates, err := r.store.ScanPendingTimedOut(ctx, now, timeout, r.cfg.ReconcilerBatchSize)
	if err != nil {
		log.Printf("reconciler: scan pending timed out: %v", err)
		return
	}
	for _, c := range candidates {
		r.applyUnderLock(ctx, c, func(j statemachine.Job, now time.Time) statemachine.Job {
			return statemachine.Fail(j, "Pending timeout", r.retryDelay(), now)
		})
	}
}

func (r *Reconciler) sweepThrottledReady(ctx context.Context) {
	now := r.clock.Now()
	candidates, err := r.store.ScanThrottledReady(ctx, now, r.cfg.ReconcilerBatchSize)
	if err != nil {
		log.Printf("reconciler: scan throttled ready: %v", err)
		return
	}
	for _, c := range candidates {
		result := r.applyUnderLock(ctx, c, func(j statemachine.Job, now time.Time) statemachine.Job {
			if !statemachine.ReadyForThrottledReconcile(j, now) {
				return j
			}
			return statemachine.ReconcileThrottledReady(j, now)
		})
		if result.Status == statemachine.StatusPending {
			r.enqueue(ctx, result.ID)
		}
	}
}

func (r *Reconciler) sweepFailedReady(ctx context.Context) {
	now := r.clock.Now()
	candidates, err := r.store.ScanFailedReady(ctx, now, r.cfg.ReconcilerBatchSize)
	if err != nil {
		log.Printf("reconciler: scan failed ready: %v", err)
		return
	}
	for _, c := range candidates {
		result := r.applyUnderLock(ctx, c, func(j statemachine.Job, now time.Time) statemachine.Job {
			if !statemachine.ReadyForFailedReconcile(j, now) {
				return j
			}
			next := statemachine.ReconcileFailedReady(j, now)
			if next.Status == statemachine.StatusDLQ && r.metrics != nil {
				r.metrics.JobsDLQd.WithLabelValues(j.TenantID).Inc()
			}
			return next
		})
		if result.Status == statemachine.StatusPending {
			r.enqueue(ctx, result.ID)
		}
	}
}

func (r *Reconciler) sweepLeaseExpired(ctx context.Context) {
	now := r.clock.Now()
	candidates, err := r.store.ScanLeaseExpired(ctx, now, r.cfg.ReconcilerBatchSize)
	if err != nil {
		log.Printf("reconciler: scan lease expired: %v", err)
		return
	}
	for _, c := range candidates {
		r.applyUnderLock(ctx, c, func(j statemachine.Job, now time.Time) statemachine.Job {
			if !statemachine.LeaseExpired(j, now) {
				return j
			}
			return statemachine.Fail(j, "Worker lease expired", r.retryDelay(), now)
		})
	}
}

// applyUnderLock re-reads the candidate under its own row lock (per spec
// §4.4, "each job is handled under its own row lock") and applies
// transition, tolerating a row another worker already moved on from
// between the scan and the lock. Failures are logged, not propagated, so
// one bad row never stalls the category.
func (r *Reconciler) applyUnderLock(ctx context.Context, candidate statemachine.Job, transition func(statemachine.Job, time.Time) statemachine.Job) statemachine.Job {
	now := r.clock.Now()
	result, err := r.store.WithRowLock(ctx, candidate.TenantID, candidate.ID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		return transition(j, now), nil
	})
	if err != nil {
		log.Printf("reconciler: apply transition for job %s: %v", candidate.ID, err)
		return statemachine.Job{}
	}
	return result
}

func (r *Reconciler) enqueue(ctx context.Context, jobID string) {
	if err := r.notifier.Notify(ctx, jobID); err != nil {
		log.Printf("reconciler: enqueue %s: %v", jobID, err)
	}
}

func (r *Reconciler) retryDelay() time.Duration {
	return time.Duration(r.cfg.JobRetryDelaySeconds) * time.Second
}
