package ratelimit

import (
	"testing"
	"time"
)

func TestEvaluateAllowsUnderLimit(t *testing.T) {
	now := time.Unix(10000, 0)
	d := Evaluate(3, nil, 4, now)
	if !d.Allowed {
		t.Errorf("expected allowed with 3 triggers under limit 4")
	}
}

func TestEvaluateRejectsAtLimit(t *testing.T) {
	now := time.Unix(10000, 0)
	oldest := now.Add(-50 * time.Second)
	d := Evaluate(4, &oldest, 4, now)

	if d.Allowed {
		t.Fatal("expected rejection at limit")
	}
	want := 10 * time.Second
	if d.RetryAfter != want {
		t.Errorf("retry_after = %v, want %v", d.RetryAfter, want)
	}
}

func TestEvaluateRetryAfterNeverNegative(t *testing.T) {
	now := time.Unix(10000, 0)
	oldest := now.Add(-120 * time.Second)
	d := Evaluate(5, &oldest, 4, now)

	if d.RetryAfter < 0 {
		t.Errorf("retry_after = %v, want >= 0", d.RetryAfter)
	}
}

func TestEvaluateFiveSubmitsWithin10sScenario(t *testing.T) {
	// Scenario 5 from spec: JOBS_PER_MIN_LIMIT=4, five submits within 10s;
	// the fifth must fail with retry_after in [50, 60].
	now := time.Unix(10000, 0)
	oldest := now.Add(-10 * time.Second)

	d := Evaluate(4, &oldest, 4, now)
	if d.Allowed {
		t.Fatal("expected the fifth submit to be rejected")
	}
	if d.RetryAfter < 50*time.Second || d.RetryAfter > 60*time.Second {
		t.Errorf("retry_after = %v, want within [50s, 60s]", d.RetryAfter)
	}
}
