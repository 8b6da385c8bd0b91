package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestThrottleHalvesRateAndDoublesBackoff(t *testing.T) {
	l := NewLimiter("test", 8, 10)

	l.ReportError("throttle", "429 too many requests")

	s := l.Stats()
	if s.CurrentRPS != 4 {
		t.Errorf("rate after throttle = %v, want 4", s.CurrentRPS)
	}
	if s.BackoffFactor != 2 {
		t.Errorf("backoff after throttle = %v, want 2", s.BackoffFactor)
	}
}

func TestSustainedSuccessRelaxesBackoffThenRate(t *testing.T) {
	l := NewLimiter("test", 8, 10)
	l.ReportError("throttle", "rate limit exceeded")

	for i := 0; i < 20; i++ {
		l.ReportSuccess()
	}
	if f := l.Stats().BackoffFactor; f > 1.8 {
		t.Errorf("backoff after 20 successes = %v, want <= 1.8", f)
	}

	for i := 0; i < 30; i++ {
		l.ReportSuccess()
	}
	s := l.Stats()
	if s.CurrentRPS < 4.2 {
		t.Errorf("rate after 50 successes = %v, want >= 4.2", s.CurrentRPS)
	}
	if s.CurrentRPS > 12 {
		t.Errorf("rate after 50 successes = %v, want <= 12 (1.5x base)", s.CurrentRPS)
	}
}

func TestRateAndBackoffStayBounded(t *testing.T) {
	l := NewLimiter("test", 8, 10)

	for i := 0; i < 10; i++ {
		l.ReportError("throttle", "throttle")
	}
	s := l.Stats()
	if s.CurrentRPS < 1 {
		t.Errorf("rate floor violated: %v", s.CurrentRPS)
	}
	if s.BackoffFactor > 4 {
		t.Errorf("backoff ceiling violated: %v", s.BackoffFactor)
	}

	for i := 0; i < 500; i++ {
		l.ReportSuccess()
	}
	s = l.Stats()
	if s.CurrentRPS > 8*1.5 {
		t.Errorf("rate ceiling violated: %v > %v", s.CurrentRPS, 8*1.5)
	}
	if s.BackoffFactor < 1 {
		t.Errorf("backoff floor violated: %v", s.BackoffFactor)
	}
}

func TestNonThrottleErrorsWidenBackoffGently(t *testing.T) {
	l := NewLimiter("test", 8, 10)

	for i := 0; i < 4; i++ {
		l.ReportError("network", "connection reset")
	}
	if f := l.Stats().BackoffFactor; f != 1 {
		t.Errorf("backoff before failure run threshold = %v, want 1", f)
	}

	l.ReportError("network", "connection reset")
	if f := l.Stats().BackoffFactor; f != 1.5 {
		t.Errorf("backoff after 5 consecutive failures = %v, want 1.5", f)
	}
	if r := l.Stats().CurrentRPS; r != 8 {
		t.Errorf("rate must not change on non-throttle errors, got %v", r)
	}
}

func TestTokensNeverExceedBurst(t *testing.T) {
	l := NewLimiter("test", 100, 5)
	time.Sleep(100 * time.Millisecond)
	if tok := l.Tokens(); tok > 5 {
		t.Errorf("tokens = %v, want <= burst 5", tok)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewLimiter("test", 1, 1)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Acquire(cancelled); err == nil {
		t.Error("acquire with cancelled context should fail once the bucket is empty")
	}
}

func TestThrottledCountsOncePerBlockedAcquire(t *testing.T) {
	l := NewLimiter("test", 50, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	s := l.Stats()
	if s.TotalRequests != 3 {
		t.Errorf("total = %d, want 3", s.TotalRequests)
	}
	// The first acquire finds a token; the two that had to wait count one
	// throttle each, regardless of how many passes the wait took.
	if s.ThrottledRequests != 2 {
		t.Errorf("throttled = %d, want 2", s.ThrottledRequests)
	}
}

func TestUpdateBaseRate(t *testing.T) {
	l := NewLimiter("test", 8, 10)
	l.UpdateBaseRate(120)

	s := l.Stats()
	if s.BaseRPS != 120 || s.CurrentRPS != 120 {
		t.Errorf("after update: base=%v current=%v, want 120/120", s.BaseRPS, s.CurrentRPS)
	}
}

func TestRegistryReturnsSameLimiter(t *testing.T) {
	r := NewRegistry(8, 10)
	a := r.Get("ws-spot-g00")
	b := r.Get("ws-spot-g00")
	if a != b {
		t.Error("registry must return the same limiter per name")
	}
}

func TestRegistryUpdateAppliesToExistingAndFuture(t *testing.T) {
	r := NewRegistry(8, 10)
	existing := r.Get("a")
	r.UpdateBaseRate(120)

	if got := existing.Stats().BaseRPS; got != 120 {
		t.Errorf("existing limiter base = %v, want 120", got)
	}
	if got := r.Get("b").Stats().BaseRPS; got != 120 {
		t.Errorf("new limiter base = %v, want 120", got)
	}
}

func TestRegistryAggregate(t *testing.T) {
	r := NewRegistry(8, 10)
	a, b := r.Get("a"), r.Get("b")
	a.ReportSuccess()
	a.ReportSuccess()
	b.ReportError("network", "reset")

	_, successful, failed := r.Aggregate()
	if successful != 2 || failed != 1 {
		t.Errorf("aggregate = (%d succ, %d fail), want (2, 1)", successful, failed)
	}
}
