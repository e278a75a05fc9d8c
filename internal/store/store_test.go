package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/srirohitha/jobqueue/internal/migrate"
	"github.com/srirohitha/jobqueue/internal/statemachine"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := migrate.MigrateCore(dbPath); err != nil {
		t.Fatalf("migrate core: %v", err)
	}
	db, err := migrate.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestInsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	j := statemachine.Submit("tenant-a", NewID(), "label", `{"rows":[]}`, 3, "", now)
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.Label != "label" {
		t.Errorf("label = %q, want 'label'", got.Label)
	}
	if len(got.Events) != 1 {
		t.Errorf("events = %+v, want one SUBMITTED event", got.Events)
	}
}

func TestGetMissingReturnsNotFoundError(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), "tenant-a", "missing-id")
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("err = %v (%T), want *NotFoundError", err, err)
	}
}

func TestIdempotentSubmitRace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	j1 := statemachine.Submit("tenant-a", NewID(), "first", "{}", 3, "dup-key", now)
	if err := s.Insert(ctx, nil, j1); err != nil {
		t.Fatalf("insert j1: %v", err)
	}

	j2 := statemachine.Submit("tenant-a", NewID(), "second", "{}", 3, "dup-key", now)
	err := s.Insert(ctx, nil, j2)
	if !IsUniqueConstraintViolation(err) {
		t.Fatalf("expected unique constraint violation, got %v", err)
	}

	existing, found, err := s.GetByIdempotencyKey(ctx, "tenant-a", "dup-key")
	if err != nil {
		t.Fatalf("get by idempotency key: %v", err)
	}
	if !found {
		t.Fatal("expected to find existing job by idempotency key")
	}
	if existing.Label != "first" {
		t.Errorf("existing.Label = %q, want 'first' (the original submission wins)", existing.Label)
	}
}

func TestWithRowLockAppliesLeaseAccept(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	j := statemachine.Submit("tenant-a", NewID(), "label", "{}", 3, "", now)
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	leased, err := s.WithRowLock(ctx, "tenant-a", j.ID, func(tx *sql.Tx, cur statemachine.Job) (statemachine.Job, error) {
		return statemachine.LeaseAccept(cur, "worker-1", 60, now), nil
	})
	if err != nil {
		t.Fatalf("with row lock: %v", err)
	}
	if leased.Status != statemachine.StatusRunning {
		t.Errorf("status = %s, want RUNNING", leased.Status)
	}

	reread, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get after lease: %v", err)
	}
	if reread.Status != statemachine.StatusRunning || reread.LockedBy != "worker-1" {
		t.Errorf("persisted job = %+v, want RUNNING/worker-1", reread)
	}
}

func TestLeaseCandidateOrdersByCreatedAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	older := statemachine.Submit("tenant-a", NewID(), "older", "{}", 3, "", time.Unix(1000, 0))
	newer := statemachine.Submit("tenant-a", NewID(), "newer", "{}", 3, "", time.Unix(2000, 0))
	if err := s.Insert(ctx, nil, newer); err != nil {
		t.Fatalf("insert newer: %v", err)
	}
	if err := s.Insert(ctx, nil, older); err != nil {
		t.Fatalf("insert older: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	candidate, ok, err := s.LeaseCandidate(ctx, tx, "tenant-a", time.Unix(3000, 0))
	if err != nil {
		t.Fatalf("lease candidate: %v", err)
	}
	if !ok {
		t.Fatal("expected a lease candidate")
	}
	if candidate.ID != older.ID {
		t.Errorf("candidate = %s (%q), want the older job", candidate.ID, candidate.Label)
	}
}

func TestCountTriggersSinceWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(10000, 0)

	j := statemachine.Submit("tenant-a", NewID(), "label", "{}", 3, "", now)
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, age := range []time.Duration{70 * time.Second, 30 * time.Second, 10 * time.Second} {
		if err := s.InsertTrigger(ctx, nil, "tenant-a", j.ID, now.Add(-age)); err != nil {
			t.Fatalf("insert trigger: %v", err)
		}
	}

	n, err := s.CountTriggersSince(ctx, nil, "tenant-a", now.Add(-60*time.Second), now)
	if err != nil {
		t.Fatalf("count triggers since: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2 (only triggers within the last 60s)", n)
	}
}

func TestScanFailedReadyRespectsLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(10000, 0)

	for i := 0; i < 3; i++ {
		j := statemachine.Submit("tenant-a", NewID(), "job", "{}", 3, "", now)
		if err := s.Insert(ctx, nil, j); err != nil {
			t.Fatalf("insert: %v", err)
		}
		j = statemachine.LeaseAccept(j, "w", 60, now)
		j = statemachine.FailRetryable(j, "boom", 1*time.Second, now.Add(-2*time.Second))
		if err := s.Update(ctx, nil, j); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	ready, err := s.ScanFailedReady(ctx, now, 2)
	if err != nil {
		t.Fatalf("scan failed ready: %v", err)
	}
	if len(ready) != 2 {
		t.Errorf("len(ready) = %d, want 2 (limit respected)", len(ready))
	}
}

func TestDeleteCascadesTriggers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	j := statemachine.Submit("tenant-a", NewID(), "label", "{}", 3, "", now)
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrigger(ctx, nil, "tenant-a", j.ID, now); err != nil {
		t.Fatalf("insert trigger: %v", err)
	}

	if err := s.Delete(ctx, "tenant-a", j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM job_triggers WHERE job_id = ?`, j.ID).Scan(&count); err != nil {
		t.Fatalf("count triggers: %v", err)
	}
	if count != 0 {
		t.Errorf("triggers remaining = %d, want 0 after cascade delete", count)
	}
}
