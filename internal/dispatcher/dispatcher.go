// Package dispatcher implements the tenant-facing operations of spec
// §4.2: submit, retry, replay, lease, progress, complete, fail, stats,
// delete. Every operation wraps a single short transaction around the
// state machine and, only after that transaction commits, schedules
// background work through the broker — generalized from the teacher's
// internal/engine.Engine request/dispatch split.
package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/jobqueueerr"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/pipeline"
	"github.com/srirohitha/jobqueue/internal/ratelimit"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

// Dispatcher exposes the tenant-scoped job lifecycle API.
type Dispatcher struct {
	store    *store.Store
	notifier broker.Notifier
	clock    clock.Clock
	cfg      config.Config
	metrics  *metrics.Metrics
	pipeline pipeline.RowPipeline
}

// New builds a Dispatcher. pipeline may be nil if callers always pass an
// explicit output_result to Complete (the Runner is the usual RowPipeline
// caller; Dispatcher.Complete only invokes it when output_result is
// omitted, per spec §4.2).
func New(st *store.Store, notifier broker.Notifier, clk clock.Clock, cfg config.Config, m *metrics.Metrics, rp pipeline.RowPipeline) *Dispatcher {
	return &Dispatcher{store: st, notifier: notifier, clock: clk, cfg: cfg, metrics: m, pipeline: rp}
}

// Stats is the §4.2 stats(tenant) response shape.
type Stats struct {
	CountsByStatus      map[string]int
	TriggersLastMinute  int
	ConcurrentRunning   int
	JobsPerMinLimit     int
	ConcurrentJobsLimit int
}

func (d *Dispatcher) enqueueAfterCommit(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.notifier.Notify(ctx, jobID); err != nil {
		log.Printf("dispatcher: notify %s: %v", jobID, err)
	}
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, tenantID string) error {
	now := d.clock.Now()
	since := now.Add(-ratelimit.Window)
	count, err := d.store.CountTriggersSince(ctx, nil, tenantID, since, now)
	if err != nil {
		return fmt.Errorf("count triggers: %w", err)
	}
	var oldest *time.Time
	if count >= d.cfg.JobsPerMinLimit {
		t, found, err := d.store.OldestTriggerSince(ctx, tenantID, since, now)
		if err != nil {
			return fmt.Errorf("oldest trigger: %w", err)
		}
		if found {
			oldest = &t
		}
	}
	decision := ratelimit.Evaluate(count, oldest, d.cfg.JobsPerMinLimit, now)
	if !decision.Allowed {
		if d.metrics != nil {
			d.metrics.RateLimitRejected.WithLabelValues(tenantID).Inc()
		}
		return jobqueueerr.RateLimited(int(decision.RetryAfter.Seconds()))
	}
	return nil
}

// Submit implements spec §4.2's submit operation.
func (d *Dispatcher) Submit(ctx context.Context, tenantID, label, payload string, maxAttempts int, idempotencyKey string) (statemachine.Job, error) {
	if idempotencyKey != "" {
		if existing, found, err := d.store.GetByIdempotencyKey(ctx, tenantID, idempotencyKey); err != nil {
			return statemachine.Job{}, err
		} else if found {
			return existing, nil
		}
	}

	if err := d.checkRateLimit(ctx, tenantID); err != nil {
		return statemachine.Job{}, err
	}

	now := d.clock.Now()
	job := statemachine.Submit(tenantID, store.NewID(), label, payload, d.cfg.ClampMaxAttempts(maxAttempts), idempotencyKey, now)

	var idempotentMatch *statemachine.Job
	err := d.store.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.Insert(ctx, tx, job); err != nil {
			if store.IsUniqueConstraintViolation(err) && idempotencyKey != "" {
				existing, found, ferr := d.store.GetByIdempotencyKey(ctx, tenantID, idempotencyKey)
				if ferr != nil {
					return ferr
				}
				if found {
					idempotentMatch = &existing
					return nil
				}
			}
			return err
		}
		return d.store.InsertTrigger(ctx, tx, tenantID, job.ID, now)
	})
	if err != nil {
		return statemachine.Job{}, err
	}
	if idempotentMatch != nil {
		return *idempotentMatch, nil
	}

	if d.metrics != nil {
		d.metrics.JobsSubmitted.WithLabelValues(tenantID).Inc()
	}
	d.enqueueAfterCommit(job.ID)
	return job, nil
}

// Retry implements spec §4.2's retry operation: guards {FAILED, DONE}.
func (d *Dispatcher) Retry(ctx context.Context, tenantID, jobID string) (statemachine.Job, error) {
	return d.retryOrReplay(ctx, tenantID, jobID, []statemachine.Status{statemachine.StatusFailed, statemachine.StatusDone}, statemachine.Retry)
}

// Replay implements spec §4.2's replay operation: guards {DLQ}.
func (d *Dispatcher) Replay(ctx context.Context, tenantID, jobID string) (statemachine.Job, error) {
	return d.retryOrReplay(ctx, tenantID, jobID, []statemachine.Status{statemachine.StatusDLQ}, statemachine.Replay)
}

func (d *Dispatcher) retryOrReplay(ctx context.Context, tenantID, jobID string, allowed []statemachine.Status, transition func(statemachine.Job, time.Time) statemachine.Job) (statemachine.Job, error) {
	if err := d.checkRateLimit(ctx, tenantID); err != nil {
		return statemachine.Job{}, err
	}

	now := d.clock.Now()
	result, err := d.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if !statusIn(j.Status, allowed) {
			return statemachine.Job{}, jobqueueerr.Conflict("job %s is %s, cannot transition", jobID, j.Status)
		}
		next := transition(j, now)
		if err := d.store.InsertTrigger(ctx, tx, tenantID, jobID, now); err != nil {
			return statemachine.Job{}, err
		}
		return next, nil
	})
	if err != nil {
		return statemachine.Job{}, err
	}

	d.enqueueAfterCommit(jobID)
	return result, nil
}

func statusIn(s statemachine.Status, set []statemachine.Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// Lease implements spec §4.2's lease operation. ok is false if there was
// nothing to lease for this tenant.
func (d *Dispatcher) Lease(ctx context.Context, tenantID, workerID string, leaseSeconds int) (statemachine.Job, bool, error) {
	leaseSeconds = d.cfg.ClampLeaseSeconds(leaseSeconds)
	now := d.clock.Now()

	var next statemachine.Job
	var found bool
	err := d.store.RunInTx(ctx, func(tx *sql.Tx) error {
		candidate, ok, err := d.store.LeaseCandidate(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true

		switch {
		case candidate.Attempts >= candidate.MaxAttempts:
			next = statemachine.DLQOnLease(candidate, now)
		default:
			running, err := d.store.CountRunning(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if running < d.cfg.ConcurrentJobsLimit {
				next = statemachine.LeaseAccept(candidate, workerID, leaseSeconds, now)
			} else {
				next = statemachine.Throttle(candidate, now)
				if d.metrics != nil {
					d.metrics.JobsThrottled.WithLabelValues(tenantID).Inc()
				}
			}
		}

		return d.store.Update(ctx, tx, next)
	})
	if err != nil {
		return statemachine.Job{}, false, err
	}
	if !found {
		return statemachine.Job{}, false, nil
	}

	if d.metrics != nil && next.Status == statemachine.StatusRunning {
		running, err := d.store.CountRunning(ctx, nil, tenantID)
		if err == nil {
			d.metrics.RunningGauge.WithLabelValues(tenantID).Set(float64(running))
		}
	}
	return next, true, nil
}

// Progress implements spec §4.2's progress operation.
func (d *Dispatcher) Progress(ctx context.Context, tenantID, jobID string, progress, processedRows int, stage string) (statemachine.Job, error) {
	now := d.clock.Now()
	return d.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			return statemachine.Job{}, jobqueueerr.Conflict("job %s is %s, not RUNNING", jobID, j.Status)
		}
		return statemachine.Progress(j, progress, processedRows, statemachine.Stage(stage), d.cfg.JobLeaseSeconds, now), nil
	})
}

// Complete implements spec §4.2's complete operation. If outputResult is
// empty, RowPipeline runs synchronously on the job's input_payload.
func (d *Dispatcher) Complete(ctx context.Context, tenantID, jobID, outputResult string) (statemachine.Job, error) {
	if outputResult == "" && d.pipeline != nil {
		job, err := d.store.Get(ctx, tenantID, jobID)
		if err != nil {
			return statemachine.Job{}, err
		}
		out, err := d.pipeline.Process(ctx, decodeInput(job.InputPayload), nil)
		if err != nil {
			return d.Fail(ctx, tenantID, jobID, err.Error(), 0)
		}
		outputResult = encodeOutput(out)
	}

	now := d.clock.Now()
	result, err := d.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			return statemachine.Job{}, jobqueueerr.Conflict("job %s is %s, not RUNNING", jobID, j.Status)
		}
		return statemachine.Complete(j, outputResult, now), nil
	})
	if err != nil {
		return statemachine.Job{}, err
	}
	if d.metrics != nil {
		d.metrics.JobsCompleted.WithLabelValues(tenantID).Inc()
	}
	return result, nil
}

// Fail implements spec §4.2's fail operation.
func (d *Dispatcher) Fail(ctx context.Context, tenantID, jobID, reason string, retryInSeconds int) (statemachine.Job, error) {
	retryIn := time.Duration(d.cfg.ClampRetryInSeconds(retryInSeconds)) * time.Second
	now := d.clock.Now()

	result, err := d.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			return statemachine.Job{}, jobqueueerr.Conflict("job %s is %s, not RUNNING", jobID, j.Status)
		}
		return statemachine.Fail(j, reason, retryIn, now), nil
	})
	if err != nil {
		return statemachine.Job{}, err
	}

	if d.metrics != nil {
		d.metrics.JobsFailed.WithLabelValues(tenantID).Inc()
		if result.Status == statemachine.StatusDLQ {
			d.metrics.JobsDLQd.WithLabelValues(tenantID).Inc()
		}
	}
	return result, nil
}

// Stats implements spec §4.2's stats(tenant) operation.
func (d *Dispatcher) Stats(ctx context.Context, tenantID string) (Stats, error) {
	now := d.clock.Now()
	counts, err := d.store.StatusCounts(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	triggers, err := d.store.CountTriggersSince(ctx, nil, tenantID, now.Add(-ratelimit.Window), now)
	if err != nil {
		return Stats{}, err
	}
	running, err := d.store.CountRunning(ctx, nil, tenantID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		CountsByStatus:      counts,
		TriggersLastMinute:  triggers,
		ConcurrentRunning:   running,
		JobsPerMinLimit:     d.cfg.JobsPerMinLimit,
		ConcurrentJobsLimit: d.cfg.ConcurrentJobsLimit,
	}, nil
}

// Delete implements spec §4.2's delete operation.
func (d *Dispatcher) Delete(ctx context.Context, tenantID, jobID string) error {
	return d.store.Delete(ctx, tenantID, jobID)
}
