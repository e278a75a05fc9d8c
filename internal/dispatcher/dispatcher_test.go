package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/srirohitha/jobqueue/internal/broker"
	"github.com/srirohitha/jobqueue/internal/clock"
	"github.com/srirohitha/jobqueue/internal/config"
	"github.com/srirohitha/jobqueue/internal/jobqueueerr"
	"github.com/srirohitha/jobqueue/internal/metrics"
	"github.com/srirohitha/jobqueue/internal/migrate"
	"github.com/srirohitha/jobqueue/internal/statemachine"
	"github.com/srirohitha/jobqueue/internal/store"
)

func setupTestDispatcher(t *testing.T, fc *clock.Fake) (*Dispatcher, broker.Subscriber) {
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
	m := metrics.Noop()

	d := New(s, notifier, fc, cfg, m, nil)
	return d, notifier
}

func TestSubmitEnqueuesAfterCommit(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, sub := setupTestDispatcher(t, fc)
	ctx := context.Background()

	job, err := d.Submit(ctx, "tenant-a", "label", `{"rows":[]}`, 3, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != statemachine.StatusPending {
		t.Errorf("status = %s, want PENDING", job.Status)
	}

	select {
	case id := <-sub.Subscribe():
		if id != job.ID {
			t.Errorf("notified id = %s, want %s", id, job.ID)
		}
	default:
		t.Fatal("expected a broker notification after commit")
	}
}

func TestSubmitIdempotentReturnsExistingJob(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	first, err := d.Submit(ctx, "tenant-a", "first", "{}", 3, "dup-key")
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}

	second, err := d.Submit(ctx, "tenant-a", "second", "{}", 3, "dup-key")
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if second.ID != first.ID || second.Label != "first" {
		t.Errorf("second submit = %+v, want the original job returned unchanged", second)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	d.cfg.JobsPerMinLimit = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, ""); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, "")
	if err == nil {
		t.Fatal("expected rate limit error on third submission within the window")
	}
	rerr, ok := jobqueueerr.As(err)
	if !ok || rerr.Kind != jobqueueerr.KindRateLimit {
		t.Errorf("err = %v, want a KindRateLimit jobqueueerr.Error", err)
	}
}

func TestLeaseAcceptsThenThrottlesAtConcurrencyLimit(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	d.cfg.ConcurrentJobsLimit = 1
	ctx := context.Background()

	j1, err := d.Submit(ctx, "tenant-a", "job-1", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	j2, err := d.Submit(ctx, "tenant-a", "job-2", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}

	leased1, ok, err := d.Lease(ctx, "tenant-a", "worker-1", 60)
	if err != nil || !ok {
		t.Fatalf("lease j1: ok=%v err=%v", ok, err)
	}
	if leased1.ID != j1.ID || leased1.Status != statemachine.StatusRunning {
		t.Errorf("leased1 = %+v, want j1 RUNNING", leased1)
	}

	leased2, ok, err := d.Lease(ctx, "tenant-a", "worker-2", 60)
	if err != nil || !ok {
		t.Fatalf("lease j2: ok=%v err=%v", ok, err)
	}
	if leased2.ID != j2.ID || leased2.Status != statemachine.StatusThrottled {
		t.Errorf("leased2 = %+v, want j2 THROTTLED (concurrency limit reached)", leased2)
	}
}

func TestProgressRejectsNonRunningJob(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	j, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = d.Progress(ctx, "tenant-a", j.ID, 50, 10, "PROCESSING")
	if err == nil {
		t.Fatal("expected conflict error, job is PENDING not RUNNING")
	}
	cerr, ok := jobqueueerr.As(err)
	if !ok || cerr.Kind != jobqueueerr.KindConflict {
		t.Errorf("err = %v, want a KindConflict jobqueueerr.Error", err)
	}
}

func TestCompleteThenStatsReflectsCounts(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	j, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := d.Lease(ctx, "tenant-a", "worker-1", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}

	done, err := d.Complete(ctx, "tenant-a", j.ID, `{"total_processed":1}`)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != statemachine.StatusDone {
		t.Errorf("status = %s, want DONE", done.Status)
	}

	stats, err := d.Stats(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountsByStatus["DONE"] != 1 {
		t.Errorf("counts = %+v, want DONE=1", stats.CountsByStatus)
	}
	if stats.ConcurrentRunning != 0 {
		t.Errorf("concurrent running = %d, want 0 after complete", stats.ConcurrentRunning)
	}
}

func TestFailRetryableWhenAttemptsRemain(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	j, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := d.Lease(ctx, "tenant-a", "worker-1", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}

	result, err := d.Fail(ctx, "tenant-a", j.ID, "boom", 0)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if result.Status != statemachine.StatusFailed {
		t.Errorf("status = %s, want FAILED (attempts 1 < max_attempts 3)", result.Status)
	}
	if result.NextRetryAt == nil {
		t.Error("expected next_retry_at to be set")
	}
}

func TestFailGoesStraightToDLQWhenAttemptsExhausted(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	j, err := d.Submit(ctx, "tenant-a", "label", "{}", 1, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := d.Lease(ctx, "tenant-a", "worker-1", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}

	result, err := d.Fail(ctx, "tenant-a", j.ID, "boom", 0)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if result.Status != statemachine.StatusDLQ {
		t.Errorf("status = %s, want DLQ (max_attempts 1 exhausted on first failure)", result.Status)
	}
}

func TestDeleteRemovesJob(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	d, _ := setupTestDispatcher(t, fc)
	ctx := context.Background()

	j, err := d.Submit(ctx, "tenant-a", "label", "{}", 3, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := d.Delete(ctx, "tenant-a", j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.store.Get(ctx, "tenant-a", j.ID); err == nil {
		t.Fatal("expected job to be gone after delete")
	}
}
