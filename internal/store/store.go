// Package store is the engine's durable persistence layer: all Job and
// JobTrigger state lives here, behind row-locked transactions, the way
// the teacher's internal/queue package persists its own Job rows. No
// in-memory queues exist anywhere above this package.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/srirohitha/jobqueue/internal/statemachine"
)

// Store wraps a *sql.DB configured for the engine's schema.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated, already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NotFoundError is returned by lookups that find no matching row.
type NotFoundError struct {
	TenantID string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found for tenant %s", e.ID, e.TenantID)
}

// NewID returns a fresh opaque identifier for a Job or JobTrigger.
func NewID() string { return uuid.New().String() }

type jobRow struct {
	id             string
	tenantID       string
	label          string
	status         string
	stage          string
	progress       int
	processedRows  int
	totalRows      int
	attempts       int
	maxAttempts    int
	lockedBy       sql.NullString
	leaseUntil     sql.NullInt64
	nextRetryAt    sql.NullInt64
	nextRunAt      sql.NullInt64
	throttleCount  int
	failureReason  sql.NullString
	idempotencyKey sql.NullString
	inputPayload   string
	outputResult   sql.NullString
	events         string
	createdTS      int64
	updatedTS      int64
	lastRanTS      sql.NullInt64
}

func toJob(r jobRow) (statemachine.Job, error) {
	var events []statemachine.Event
	if r.events != "" {
		if err := json.Unmarshal([]byte(r.events), &events); err != nil {
			return statemachine.Job{}, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	j := statemachine.Job{
		ID:            r.id,
		TenantID:      r.tenantID,
		Label:         r.label,
		Status:        statemachine.Status(r.status),
		Stage:         statemachine.Stage(r.stage),
		Progress:      r.progress,
		ProcessedRows: r.processedRows,
		TotalRows:     r.totalRows,
		Attempts:      r.attempts,
		MaxAttempts:   r.maxAttempts,
		ThrottleCount: r.throttleCount,
		InputPayload:  r.inputPayload,
		Events:        events,
		CreatedAt:     time.Unix(r.createdTS, 0).UTC(),
		UpdatedAt:     time.Unix(r.updatedTS, 0).UTC(),
	}
	if r.lockedBy.Valid {
		j.LockedBy = r.lockedBy.String
	}
	if r.leaseUntil.Valid {
		t := time.Unix(r.leaseUntil.Int64, 0).UTC()
		j.LeaseUntil = &t
	}
	if r.nextRetryAt.Valid {
		t := time.Unix(r.nextRetryAt.Int64, 0).UTC()
		j.NextRetryAt = &t
	}
	if r.nextRunAt.Valid {
		t := time.Unix(r.nextRunAt.Int64, 0).UTC()
		j.NextRunAt = &t
	}
	if r.failureReason.Valid {
		j.FailureReason = r.failureReason.String
	}
	if r.idempotencyKey.Valid {
		j.IdempotencyKey = r.idempotencyKey.String
	}
	if r.outputResult.Valid {
		j.OutputResult = r.outputResult.String
	}
	if r.lastRanTS.Valid {
		t := time.Unix(r.lastRanTS.Int64, 0).UTC()
		j.LastRanAt = &t
	}
	return j, nil
}

const jobColumns = `id, tenant_id, label, status, stage, progress, processed_rows, total_rows,
	attempts, max_attempts, locked_by, lease_until, next_retry_at, next_run_at,
	throttle_count, failure_reason, idempotency_key, input_payload, output_result,
	events, created_ts, updated_ts, last_ran_ts`

func scanJob(s interface{ Scan(...any) error }) (statemachine.Job, error) {
	var r jobRow
	err := s.Scan(
		&r.id, &r.tenantID, &r.label, &r.status, &r.stage, &r.progress, &r.processedRows, &r.totalRows,
		&r.attempts, &r.maxAttempts, &r.lockedBy, &r.leaseUntil, &r.nextRetryAt, &r.nextRunAt,
		&r.throttleCount, &r.failureReason, &r.idempotencyKey, &r.inputPayload, &r.outputResult,
		&r.events, &r.createdTS, &r.updatedTS, &r.lastRanTS,
	)
	if err != nil {
		return statemachine.Job{}, err
	}
	return toJob(r)
}

func nullableInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Insert writes a brand-new Job row. Callers are responsible for catching
// the unique-constraint violation on (tenant_id, idempotency_key) and
// falling back to a lookup, per spec §4.2's idempotent-submit contract.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, j statemachine.Job) error {
	eventsJSON, err := json.Marshal(j.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	exec := queryable(s.db, tx)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO jobs (
			id, tenant_id, label, status, stage, progress, processed_rows, total_rows,
			attempts, max_attempts, idempotency_key, input_payload, events,
			created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.TenantID, j.Label, string(j.Status), string(j.Stage), j.Progress, j.ProcessedRows, j.TotalRows,
		j.Attempts, j.MaxAttempts, nullableString(j.IdempotencyKey), j.InputPayload, string(eventsJSON),
		j.CreatedAt.Unix(), j.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Update persists every mutable field of j back to its row.
func (s *Store) Update(ctx context.Context, tx *sql.Tx, j statemachine.Job) error {
	eventsJSON, err := json.Marshal(j.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	exec := queryable(s.db, tx)
	_, err = exec.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, stage = ?, progress = ?, processed_rows = ?, total_rows = ?,
			attempts = ?, max_attempts = ?, locked_by = ?, lease_until = ?,
			next_retry_at = ?, next_run_at = ?, throttle_count = ?, failure_reason = ?,
			output_result = ?, events = ?, updated_ts = ?, last_ran_ts = ?
		WHERE id = ? AND tenant_id = ?
	`,
		string(j.Status), string(j.Stage), j.Progress, j.ProcessedRows, j.TotalRows,
		j.Attempts, j.MaxAttempts, nullableString(j.LockedBy), nullableInt64(j.LeaseUntil),
		nullableInt64(j.NextRetryAt), nullableInt64(j.NextRunAt), j.ThrottleCount, nullableString(j.FailureReason),
		nullableString(j.OutputResult), string(eventsJSON), j.UpdatedAt.Unix(), nullableInt64(j.LastRanAt),
		j.ID, j.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

type execQueryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryable(db *sql.DB, tx *sql.Tx) execQueryable {
	if tx != nil {
		return tx
	}
	return db
}

// GetForUpdate reads a Job by (tenant, id) within tx, the row-lock scope
// every transition-applying caller must use.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, tenantID, id string) (statemachine.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id = ? AND id = ?`, tenantID, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return statemachine.Job{}, &NotFoundError{TenantID: tenantID, ID: id}
	}
	if err != nil {
		return statemachine.Job{}, fmt.Errorf("get job for update: %w", err)
	}
	return j, nil
}

// Get reads a Job by (tenant, id) outside any transaction, for read-only
// callers (the get command, Dispatcher.Complete's payload read).
func (s *Store) Get(ctx context.Context, tenantID, id string) (statemachine.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id = ? AND id = ?`, tenantID, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return statemachine.Job{}, &NotFoundError{TenantID: tenantID, ID: id}
	}
	if err != nil {
		return statemachine.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetByIdempotencyKey returns the existing non-terminal Job for the pair,
// if any, for spec §4.2's idempotent-submit guard.
func (s *Store) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (statemachine.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = ? AND idempotency_key = ?
		  AND status NOT IN ('DONE', 'DLQ')
	`, tenantID, key)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return statemachine.Job{}, false, nil
	}
	if err != nil {
		return statemachine.Job{}, false, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return j, true, nil
}

// TenantForJob looks up the owning tenant for a bare job id, since the
// broker's notification payload is just the id (spec §2's queue
// abstraction carries no tenant scoping of its own).
func (s *Store) TenantForJob(ctx context.Context, id string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM jobs WHERE id = ?`, id).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("tenant for job: %w", err)
	}
	return tenantID, nil
}

// CountRunning returns the tenant's current concurrent-RUNNING count,
// used both for the lease-accept/throttle guard and for stats(). Pass a
// non-nil tx to read within an in-flight transaction's view.
func (s *Store) CountRunning(ctx context.Context, tx *sql.Tx, tenantID string) (int, error) {
	var n int
	err := queryable(s.db, tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND status = 'RUNNING'`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// RunInTx begins a transaction, hands it to fn, and commits on success —
// retrying the whole attempt with a small backoff when begin/fn/commit
// hits sqlite write contention (spec §7: "Store contention (deadlocks,
// serialization failures): retried locally with small backoff; if still
// failing, surfaced as 500"), the same isSQLiteBusy-retry shape the
// teacher's engine.go scheduler loop uses around queue.Lease. Callers
// that need to span more than one Store call under a single commit (the
// Dispatcher's submit insert-job-then-insert-trigger pair, lease's
// read-then-update) use this instead of managing a *sql.Tx directly.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// LeaseCandidate returns the oldest tenant-scoped job eligible for
// lease-accept or throttle (PENDING, or THROTTLED with next_run_at due),
// locked for update within tx. ok is false if there is nothing to do.
func (s *Store) LeaseCandidate(ctx context.Context, tx *sql.Tx, tenantID string, now time.Time) (statemachine.Job, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = ?
		  AND (status = 'PENDING' OR (status = 'THROTTLED' AND (next_run_at IS NULL OR next_run_at <= ?)))
		ORDER BY created_ts ASC
		LIMIT 1
	`, tenantID, now.Unix())
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return statemachine.Job{}, false, nil
	}
	if err != nil {
		return statemachine.Job{}, false, fmt.Errorf("lease candidate: %w", err)
	}
	return j, true, nil
}

// Delete removes a Job row; job_triggers cascade via the FK.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{TenantID: tenantID, ID: id}
	}
	return nil
}

// InsertTrigger records a JobTrigger row for rate-limiting purposes.
func (s *Store) InsertTrigger(ctx context.Context, tx *sql.Tx, tenantID, jobID string, now time.Time) error {
	exec := queryable(s.db, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO job_triggers (id, tenant_id, job_id, triggered_ts) VALUES (?, ?, ?, ?)
	`, NewID(), tenantID, jobID, now.Unix())
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// CountTriggersSince counts JobTrigger rows for tenantID with
// triggered_ts in [since, now], the rate limiter's rolling window. Pass a
// non-nil tx to read within an in-flight transaction's view.
func (s *Store) CountTriggersSince(ctx context.Context, tx *sql.Tx, tenantID string, since, now time.Time) (int, error) {
	var n int
	err := queryable(s.db, tx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_triggers WHERE tenant_id = ? AND triggered_ts >= ? AND triggered_ts <= ?
	`, tenantID, since.Unix(), now.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count triggers since: %w", err)
	}
	return n, nil
}

// OldestTriggerSince returns the earliest triggered_ts within the window,
// used to compute retry_after on a rate-limited submission.
func (s *Store) OldestTriggerSince(ctx context.Context, tenantID string, since, now time.Time) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(triggered_ts) FROM job_triggers WHERE tenant_id = ? AND triggered_ts >= ? AND triggered_ts <= ?
	`, tenantID, since.Unix(), now.Unix()).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest trigger since: %w", err)
	}
	if ts == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// StatusCounts returns a map of status -> count for a tenant, for stats().
func (s *Store) StatusCounts(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanJobRows drains a *sql.Rows of jobColumns into a slice, closing rows.
func scanJobRows(rows *sql.Rows) ([]statemachine.Job, error) {
	defer rows.Close()
	var jobs []statemachine.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ScanThrottledReady returns up to limit THROTTLED jobs whose next_run_at
// has elapsed, for the reconciler's throttled-ready category.
func (s *Store) ScanThrottledReady(ctx context.Context, now time.Time, limit int) ([]statemachine.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'THROTTLED' AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("scan throttled ready: %w", err)
	}
	return scanJobRows(rows)
}

// ScanPendingTimedOut returns up to limit PENDING jobs stuck past timeout.
func (s *Store) ScanPendingTimedOut(ctx context.Context, now time.Time, timeout time.Duration, limit int) ([]statemachine.Job, error) {
	cutoff := now.Add(-timeout).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'PENDING' AND updated_ts < ?
		ORDER BY updated_ts ASC LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scan pending timed out: %w", err)
	}
	return scanJobRows(rows)
}

// ScanFailedReady returns up to limit FAILED jobs whose next_retry_at has
// elapsed.
func (s *Store) ScanFailedReady(ctx context.Context, now time.Time, limit int) ([]statemachine.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'FAILED' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("scan failed ready: %w", err)
	}
	return scanJobRows(rows)
}

// ScanLeaseExpired returns up to limit RUNNING jobs whose lease_until has
// lapsed.
func (s *Store) ScanLeaseExpired(ctx context.Context, now time.Time, limit int) ([]statemachine.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND lease_until < ?
		ORDER BY lease_until ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("scan lease expired: %w", err)
	}
	return scanJobRows(rows)
}

// ListByTenant returns a tenant's jobs newest-first, optionally filtered
// by status, supporting the GET /jobs listing endpoint's core query.
func (s *Store) ListByTenant(ctx context.Context, tenantID, status string, limit, offset int) ([]statemachine.Job, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE tenant_id = ? AND status = ?
			ORDER BY created_ts DESC LIMIT ? OFFSET ?
		`, tenantID, status, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE tenant_id = ?
			ORDER BY created_ts DESC LIMIT ? OFFSET ?
		`, tenantID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list by tenant: %w", err)
	}
	return scanJobRows(rows)
}

// WithRowLock begins an immediate-mode write transaction, row-locks the
// named job, lets fn mutate it, persists the result, and commits — the
// single critical-section pattern every Dispatcher/Runner/Reconciler
// mutation goes through. The whole attempt is retried (via RunInTx) on
// sqlite write contention.
func (s *Store) WithRowLock(ctx context.Context, tenantID, id string, fn func(tx *sql.Tx, j statemachine.Job) (statemachine.Job, error)) (statemachine.Job, error) {
	var result statemachine.Job
	err := s.RunInTx(ctx, func(tx *sql.Tx) error {
		j, err := s.GetForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}

		next, err := fn(tx, j)
		if err != nil {
			return err
		}

		if err := s.Update(ctx, tx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return statemachine.Job{}, err
	}
	return result, nil
}

const (
	maxBusyRetries = 5
	busyRetryDelay = 20 * time.Millisecond
)

// IsSQLiteBusy reports whether err represents sqlite3's "database is
// locked" condition, the same helper shape as the teacher's
// engine.isSQLiteBusy.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnBusy runs fn up to maxBusyRetries times in all, with a small
// linear backoff between runs, while fn fails with IsSQLiteBusy — mirroring the
// teacher's scheduler loop, which treats isSQLiteBusy(err) as an expected
// condition under SQLite's single-writer semantics and just retries
// instead of surfacing it. Any other error, or exhausting the retries,
// is returned to the caller to surface as a 500 (spec §7).
func retryOnBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !IsSQLiteBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryDelay * time.Duration(attempt+1)):
		}
	}
	return err
}

// IsUniqueConstraintViolation reports whether err is sqlite3 rejecting an
// insert on the (tenant_id, idempotency_key) unique index, the race
// spec §4.2 says must resolve by returning the pre-existing row.
func IsUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
