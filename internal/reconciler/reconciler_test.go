package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/migrate"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

func setupTestReconciler(t *testing.T, fc *clock.Fake) (*Reconciler, *store.Store, broker.Subscriber) {
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

	s := store.New(db)
	notifier := broker.NewChannelNotifier(16)
	cfg := config.Default()
	cfg.JobPendingTimeoutSeconds = 10
	cfg.ReconcilerBatchSize = 50

	r := New(Config{Store: s, Notifier: notifier, Clock: fc, Cfg: cfg, Metrics: metrics.Noop()})
	return r, s, notifier
}

func TestSweepMovesThrottledReadyBackToPendingAndEnqueues(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	r, s, sub := setupTestReconciler(t, fc)
	ctx := context.Background()

	j := statemachine.Submit("tenant-a", store.NewID(), "label", "{}", 3, "", fc.Now())
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	j = statemachine.Throttle(j, fc.Now())
	if err := s.Update(ctx, nil, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	fc.Advance(1 * time.Hour)
	r.Sweep(ctx)

	got, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}

	select {
	case id := <-sub.Subscribe():
		if id != j.ID {
			t.Errorf("enqueued id = %s, want %s", id, j.ID)
		}
	default:
		t.Fatal("expected reconciler to enqueue the job after reconcile-throttled-ready")
	}
}

// TestSweepPendingTimeoutRoundTripsToDLQ mirrors spec scenario 6: a job
// that never gets leased times out, gets reconciled back to PENDING
// (attempts preserved), times out again, and finally exhausts its
// attempt budget and lands in DLQ.
func TestSweepPendingTimeoutRoundTripsToDLQ(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	r, s, _ := setupTestReconciler(t, fc)
	ctx := context.Background()

	j := statemachine.Submit("tenant-a", store.NewID(), "label", "{}", 2, "", fc.Now())
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	fc.Advance(11 * time.Second)
	r.Sweep(ctx)

	got, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusFailed || got.Attempts != 1 {
		t.Fatalf("after first timeout: status=%s attempts=%d, want FAILED/1", got.Status, got.Attempts)
	}
	if got.FailureReason != "Pending timeout" {
		t.Errorf("failure_reason = %q, want 'Pending timeout'", got.FailureReason)
	}

	fc.Advance(10 * time.Second)
	r.Sweep(ctx)

	got, err = s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusPending || got.Attempts != 1 {
		t.Fatalf("after reconcile-failed-ready: status=%s attempts=%d, want PENDING/1 (attempts preserved)", got.Status, got.Attempts)
	}

	fc.Advance(11 * time.Second)
	r.Sweep(ctx)

	got, err = s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusDLQ {
		t.Errorf("after second timeout: status = %s, want DLQ (attempts 2 == max_attempts 2)", got.Status)
	}
}

func TestSweepLeaseExpiredFailsWithReason(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	r, s, _ := setupTestReconciler(t, fc)
	ctx := context.Background()

	j := statemachine.Submit("tenant-a", store.NewID(), "label", "{}", 3, "", fc.Now())
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	j = statemachine.LeaseAccept(j, "worker-1", 60, fc.Now())
	if err := s.Update(ctx, nil, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	fc.Advance(2 * time.Minute)
	r.Sweep(ctx)

	got, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.FailureReason != "Worker lease expired" {
		t.Errorf("failure_reason = %q, want 'Worker lease expired'", got.FailureReason)
	}
}

func TestSweepIdempotentOnUnreadyThrottledJob(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	r, s, sub := setupTestReconciler(t, fc)
	ctx := context.Background()

	j := statemachine.Submit("tenant-a", store.NewID(), "label", "{}", 3, "", fc.Now())
	if err := s.Insert(ctx, nil, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	j = statemachine.Throttle(j, fc.Now())
	if err := s.Update(ctx, nil, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	r.Sweep(ctx)

	got, err := s.Get(ctx, "tenant-a", j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != statemachine.StatusThrottled {
		t.Errorf("status = %s, want still THROTTLED (next_run_at not yet due)", got.Status)
	}

	select {
	case id := <-sub.Subscribe():
		t.Fatalf("unexpected enqueue of not-yet-ready job %s", id)
	default:
	}
}
