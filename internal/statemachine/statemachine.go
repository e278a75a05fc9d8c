// Package statemachine implements the engine's pure job-lifecycle
// transitions. Every function here takes a Job value and returns the next
// Job value plus the events it appends; none of them perform I/O or touch
// a clock directly beyond the `now` passed in, so the Store layer can test
// them without a database and the Dispatcher/Runner/Reconciler layers can
// wrap them in whatever transaction discipline they need.
package statemachine

import "time"

// Status is one of the six job lifecycle states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusThrottled Status = "THROTTLED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusDLQ       Status = "DLQ"
)

// Stage is the presentation-only progress marker.
type Stage string

const (
	StageValidating Stage = "VALIDATING"
	StageProcessing Stage = "PROCESSING"
	StageFinalizing Stage = "FINALIZING"
	StageDone       Stage = "DONE"
)

// EventType names an entry in a Job's append-only events log.
type EventType string

const (
	EventSubmitted    EventType = "SUBMITTED"
	EventLeased       EventType = "LEASED"
	EventThrottled    EventType = "THROTTLED"
	EventProgress     EventType = "PROGRESS_UPDATED"
	EventDone         EventType = "DONE"
	EventFailed       EventType = "FAILED"
	EventMovedToDLQ   EventType = "MOVED_TO_DLQ"
	EventRetryPending EventType = "RETRY_SCHEDULED"
)

// Event is one append-only entry in Job.Events.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Job is the pure, storage-agnostic representation of the central entity
// described in spec §3. The store layer maps this to and from SQL rows;
// nothing in this package knows about sqlite.
type Job struct {
	ID             string
	TenantID       string
	Label          string
	Status         Status
	Stage          Stage
	Progress       int
	ProcessedRows  int
	TotalRows      int
	Attempts       int
	MaxAttempts    int
	LockedBy       string
	LeaseUntil     *time.Time
	NextRetryAt    *time.Time
	NextRunAt      *time.Time
	ThrottleCount  int
	FailureReason  string
	IdempotencyKey string
	InputPayload   string
	OutputResult   string
	Events         []Event
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRanAt      *time.Time
}

const (
	baseBackoff = 15 * time.Second
	maxBackoff  = 300 * time.Second
	minProgress = 5
)

// Backoff computes the THROTTLED re-run delay given throttleCount, the
// number of consecutive throttle events before this one, per spec §4.1:
// min(BASE_BACKOFF * (1+n), 300s).
func Backoff(throttleCount int) time.Duration {
	d := time.Duration(1+throttleCount) * baseBackoff
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (j Job) appendEvent(evt EventType, now time.Time, metadata map[string]any) Job {
	j.Events = append(append([]Event{}, j.Events...), Event{Type: evt, Timestamp: now, Metadata: metadata})
	j.UpdatedAt = now
	return j
}

// Submit creates a brand-new Job in PENDING.
func Submit(tenantID, id, label, payload string, maxAttempts int, idempotencyKey string, now time.Time) Job {
	j := Job{
		ID:             id,
		TenantID:       tenantID,
		Label:          label,
		Status:         StatusPending,
		Stage:          StageValidating,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: idempotencyKey,
		InputPayload:   payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return j.appendEvent(EventSubmitted, now, nil)
}

// LeaseDecision is the outcome of attempting to lease a job: exactly one
// of Accepted/Throttled/MovedDLQ is true.
type LeaseDecision struct {
	Accepted  bool
	Throttled bool
	MovedDLQ  bool
}

// LeaseEligible reports whether j is a candidate for lease-accept at all
// (status and, for THROTTLED, next_run_at readiness) — independent of the
// tenant's current concurrency, which the caller supplies separately.
func LeaseEligible(j Job, now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return true
	case StatusThrottled:
		return j.NextRunAt == nil || !j.NextRunAt.After(now)
	default:
		return false
	}
}

// LeaseAccept applies the lease-accept transition (spec §4.1): the caller
// must have already confirmed LeaseEligible and concurrency headroom.
func LeaseAccept(j Job, workerID string, leaseSeconds int, now time.Time) Job {
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	j.Status = StatusRunning
	j.Stage = StageProcessing
	if j.Progress < minProgress {
		j.Progress = minProgress
	}
	j.LockedBy = workerID
	ln := leaseUntil
	j.LeaseUntil = &ln
	j.NextRunAt = nil
	lr := now
	j.LastRanAt = &lr
	j = j.appendEvent(EventLeased, now, nil)
	return j.appendEvent(EventProgress, now, nil)
}

// Throttle applies the throttle transition: same eligibility as
// lease-accept but concurrency headroom was unavailable. attempts is not
// incremented.
func Throttle(j Job, now time.Time) Job {
	j.Status = StatusThrottled
	nra := now.Add(Backoff(j.ThrottleCount))
	j.ThrottleCount++
	j.NextRunAt = &nra
	j.LockedBy = ""
	j.LeaseUntil = nil
	return j.appendEvent(EventThrottled, now, nil)
}

// DLQOnLease applies the dlq-on-lease transition: the job was otherwise
// lease-eligible but has exhausted its attempt budget.
func DLQOnLease(j Job, now time.Time) Job {
	j.Status = StatusDLQ
	j.LockedBy = ""
	j.LeaseUntil = nil
	j.NextRunAt = nil
	return j.appendEvent(EventMovedToDLQ, now, nil)
}

// Progress applies a progress update. progress must not decrease; lease is
// extended to now+leaseSeconds.
func Progress(j Job, progress, processedRows int, stage Stage, leaseSeconds int, now time.Time) Job {
	if progress > j.Progress {
		j.Progress = progress
	}
	j.ProcessedRows = processedRows
	if stage != "" {
		j.Stage = stage
	}
	ln := now.Add(time.Duration(leaseSeconds) * time.Second)
	j.LeaseUntil = &ln
	return j.appendEvent(EventProgress, now, nil)
}

// Complete applies the complete transition.
func Complete(j Job, outputResult string, now time.Time) Job {
	j.Status = StatusDone
	j.Stage = StageDone
	j.Progress = 100
	j.ProcessedRows = j.TotalRows
	j.LockedBy = ""
	j.LeaseUntil = nil
	j.NextRunAt = nil
	j.ThrottleCount = 0
	j.OutputResult = outputResult
	return j.appendEvent(EventDone, now, nil)
}

// FailRetryable applies the fail-retryable transition: attempts+1 <
// max_attempts, so the job goes back to FAILED with a scheduled retry.
func FailRetryable(j Job, reason string, retryIn time.Duration, now time.Time) Job {
	j.Attempts++
	j.Status = StatusFailed
	nra := now.Add(retryIn)
	j.NextRetryAt = &nra
	j.LockedBy = ""
	j.LeaseUntil = nil
	j.FailureReason = reason
	return j.appendEvent(EventFailed, now, nil)
}

// FailTerminal applies the fail-terminal transition: attempts+1 reaches
// max_attempts, so the job moves straight to DLQ.
func FailTerminal(j Job, reason string, now time.Time) Job {
	j.Attempts++
	j.Status = StatusDLQ
	j.LockedBy = ""
	j.LeaseUntil = nil
	j.FailureReason = reason
	j = j.appendEvent(EventFailed, now, nil)
	return j.appendEvent(EventMovedToDLQ, now, nil)
}

// Fail dispatches to FailRetryable or FailTerminal depending on whether
// the next attempt would exhaust max_attempts, appending RETRY_SCHEDULED
// alongside FAILED on the retryable path — the original implementation's
// exception handler records both events in the same transition, not just
// FAILED, so a reconciler sweep is never required to explain why a
// next_retry_at appeared.
func Fail(j Job, reason string, retryIn time.Duration, now time.Time) Job {
	if j.Attempts+1 >= j.MaxAttempts {
		return FailTerminal(j, reason, now)
	}
	j = FailRetryable(j, reason, retryIn, now)
	return j.appendEvent(EventRetryPending, now, nil)
}

// Retry applies the retry transition (FAILED or DONE -> PENDING).
func Retry(j Job, now time.Time) Job {
	j.Status = StatusPending
	j.Stage = StageValidating
	j.Progress = 0
	j.ProcessedRows = 0
	j.Attempts = 0
	j.FailureReason = ""
	j.OutputResult = ""
	j.ThrottleCount = 0
	j.NextRetryAt = nil
	j.NextRunAt = nil
	return j.appendEvent(EventSubmitted, now, map[string]any{"retried": true})
}

// Replay applies the replay transition (DLQ -> PENDING).
func Replay(j Job, now time.Time) Job {
	j.Status = StatusPending
	j.Stage = StageValidating
	j.Progress = 0
	j.ProcessedRows = 0
	j.Attempts = 0
	j.FailureReason = ""
	j.OutputResult = ""
	j.ThrottleCount = 0
	j.NextRetryAt = nil
	j.NextRunAt = nil
	return j.appendEvent(EventSubmitted, now, map[string]any{"replayed": true})
}

// ReconcileThrottledReady applies reconcile-throttled-ready: THROTTLED
// jobs whose next_run_at has elapsed go back to PENDING.
func ReconcileThrottledReady(j Job, now time.Time) Job {
	j.Status = StatusPending
	j.NextRunAt = nil
	j.UpdatedAt = now
	return j
}

// ReconcileFailedReady applies reconcile-failed-ready: FAILED jobs whose
// next_retry_at has elapsed either go back to PENDING (attempts
// preserved) or, if attempts are exhausted, to DLQ.
func ReconcileFailedReady(j Job, now time.Time) Job {
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDLQ
		j.LockedBy = ""
		j.LeaseUntil = nil
		j.NextRetryAt = nil
		return j.appendEvent(EventMovedToDLQ, now, nil)
	}
	j.Status = StatusPending
	j.Stage = StageValidating
	j.NextRetryAt = nil
	j.FailureReason = ""
	return j.appendEvent(EventRetryPending, now, nil)
}

// ReadyForThrottledReconcile reports whether j is a THROTTLED job whose
// next_run_at has elapsed.
func ReadyForThrottledReconcile(j Job, now time.Time) bool {
	return j.Status == StatusThrottled && (j.NextRunAt == nil || !j.NextRunAt.After(now))
}

// ReadyForFailedReconcile reports whether j is a FAILED job whose
// next_retry_at has elapsed.
func ReadyForFailedReconcile(j Job, now time.Time) bool {
	return j.Status == StatusFailed && (j.NextRetryAt == nil || !j.NextRetryAt.After(now))
}

// PendingTimedOut reports whether j is a PENDING job that has sat
// unclaimed longer than timeout.
func PendingTimedOut(j Job, timeout time.Duration, now time.Time) bool {
	return j.Status == StatusPending && j.UpdatedAt.Before(now.Add(-timeout))
}

// LeaseExpired reports whether j is a RUNNING job whose lease has lapsed.
func LeaseExpired(j Job, now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseUntil != nil && j.LeaseUntil.Before(now)
}
