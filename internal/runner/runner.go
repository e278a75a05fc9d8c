// Package runner implements the background executor described in spec
// §4.3: activated once per broker notification, it leases a job, invokes
// the RowPipeline, and records the result — extending the lease
// periodically while the pipeline runs. Generalized from the teacher's
// internal/engine.Engine worker-pool loop (workChan, per-worker
// goroutines, FakeJobHandler-style pluggability) onto this engine's own
// state machine instead of the teacher's plain pending/leased/succeeded
// queue states.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/pipeline"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

// Runner pulls job ids from a broker.Subscriber and drives them through
// lease -> RowPipeline -> complete/fail.
type Runner struct {
	store    *store.Store
	sub      broker.Subscriber
	pipeline pipeline.RowPipeline
	clock    clock.Clock
	cfg      config.Config
	metrics  *metrics.Metrics
	workerID string

	wg sync.WaitGroup
}

// Config bundles Runner construction parameters.
type Config struct {
	Store    *store.Store
	Sub      broker.Subscriber
	Pipeline pipeline.RowPipeline
	Clock    clock.Clock
	Cfg      config.Config
	Metrics  *metrics.Metrics
	WorkerID string
}

// New builds a Runner.
func New(c Config) *Runner {
	return &Runner{
		store:    c.Store,
		sub:      c.Sub,
		pipeline: c.Pipeline,
		clock:    c.Clock,
		cfg:      c.Cfg,
		metrics:  c.Metrics,
		workerID: c.WorkerID,
	}
}

// Run starts workerCount goroutines consuming job ids from the broker
// subscription, until ctx is canceled.
func (r *Runner) Run(ctx context.Context, workerCount int) {
	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Wait blocks until every worker goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, idx int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-r.sub.Subscribe():
			if !ok {
				return
			}
			if err := r.handle(ctx, jobID); err != nil {
				log.Printf("runner[%d]: job %s: %v", idx, jobID, err)
			}
		}
	}
}

// HandleJob runs the handle protocol for a single job id synchronously,
// for callers that deliver job ids by their own push mechanism instead of
// this Runner's channel-fed worker pool — an asynq task handler, for
// instance, whose own Concurrency setting governs parallelism.
func (r *Runner) HandleJob(ctx context.Context, jobID string) error {
	return r.handle(ctx, jobID)
}

// handle implements the four-step protocol in spec §4.3 for a single job
// id. tenantID is recovered from the job row itself, since the broker
// message is just an id.
func (r *Runner) handle(ctx context.Context, jobID string) error {
	tenantID, err := r.store.TenantForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}

	leased, accepted, err := r.leaseAccept(ctx, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("lease-accept: %w", err)
	}
	if !accepted {
		return nil
	}

	input := decodeJobInput(leased.InputPayload)

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go r.renewLease(renewCtx, tenantID, jobID)

	report := func(ctx context.Context, progress, processedRows int, stage string) error {
		return r.reportProgress(ctx, tenantID, jobID, progress, processedRows, stage)
	}

	out, runErr := r.pipeline.Process(ctx, input, report)
	cancelRenew()

	if runErr != nil {
		return r.fail(ctx, tenantID, jobID, runErr.Error())
	}
	return r.complete(ctx, tenantID, jobID, out)
}

// leaseAccept applies step 1 of spec §4.3: re-read and row-lock the job,
// apply lease-accept or throttle, short-circuit on DLQ.
func (r *Runner) leaseAccept(ctx context.Context, tenantID, jobID string) (statemachine.Job, bool, error) {
	now := r.clock.Now()
	var accepted bool

	result, err := r.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if !statemachine.LeaseEligible(j, now) {
			return j, nil
		}
		if j.Attempts >= j.MaxAttempts {
			return statemachine.DLQOnLease(j, now), nil
		}
		running, err := r.store.CountRunning(ctx, tx, tenantID)
		if err != nil {
			return statemachine.Job{}, err
		}
		if running >= r.cfg.ConcurrentJobsLimit {
			return statemachine.Throttle(j, now), nil
		}
		accepted = true
		return statemachine.LeaseAccept(j, r.workerID, r.cfg.JobLeaseSeconds, now), nil
	})
	if err != nil {
		return statemachine.Job{}, false, err
	}
	return result, accepted && result.Status == statemachine.StatusRunning, nil
}

func (r *Runner) renewLease(ctx context.Context, tenantID, jobID string) {
	interval := time.Duration(r.cfg.JobLeaseSeconds) * time.Second / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.clock.Now()
			_, err := r.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
				if j.Status != statemachine.StatusRunning {
					return statemachine.Job{}, fmt.Errorf("job no longer running")
				}
				return statemachine.Progress(j, j.Progress, j.ProcessedRows, "", r.cfg.JobLeaseSeconds, now), nil
			})
			if err != nil {
				return
			}
		}
	}
}

func (r *Runner) reportProgress(ctx context.Context, tenantID, jobID string, progress, processedRows int, stage string) error {
	now := r.clock.Now()
	_, err := r.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			return statemachine.Job{}, fmt.Errorf("job %s no longer running, aborting pipeline callback", jobID)
		}
		return statemachine.Progress(j, progress, processedRows, statemachine.Stage(stage), r.cfg.JobLeaseSeconds, now), nil
	})
	return err
}

func (r *Runner) complete(ctx context.Context, tenantID, jobID string, out pipeline.Output) error {
	now := r.clock.Now()
	outputJSON := encodeJobOutput(out)
	_, err := r.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			// Reconciler already acted on this job (e.g. lease expiry); abort.
			return j, nil
		}
		j.TotalRows = out.TotalProcessed
		return statemachine.Complete(j, outputJSON, now), nil
	})
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if r.metrics != nil {
		r.metrics.JobsCompleted.WithLabelValues(tenantID).Inc()
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, tenantID, jobID, reason string) error {
	now := r.clock.Now()
	retryIn := time.Duration(r.cfg.JobRetryDelaySeconds) * time.Second
	result, err := r.store.WithRowLock(ctx, tenantID, jobID, func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error) {
		if j.Status != statemachine.StatusRunning {
			return j, nil
		}
		return statemachine.Fail(j, reason, retryIn, now), nil
	})
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if r.metrics != nil {
		r.metrics.JobsFailed.WithLabelValues(tenantID).Inc()
		if result.Status == statemachine.StatusDLQ {
			r.metrics.JobsDLQd.WithLabelValues(tenantID).Inc()
		}
	}
	// Re-raise to the enqueuer so the message broker can retry the dispatch
	// envelope itself, orthogonal to the job's own attempts (spec §7).
	return fmt.Errorf("pipeline failed: %s", reason)
}
