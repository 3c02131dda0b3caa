package authstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker() (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerConfig{
		CallTimeout:    time.Second,
		ErrorThreshold: 0.5,
		Window:         10 * time.Second,
		Buckets:        10,
		ResetTimeout:   30 * time.Second,
	})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(ctx context.Context) error    { return errors.New("backend down") }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensOnErrorRate(t *testing.T) {
	cb, _ := testBreaker()

	if cb.State() != BreakerClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State())
	}

	// 10 consecutive failures inside the window
	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), fail)
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after sustained failures, got %s", cb.State())
	}

	// Open circuit fails fast without invoking the function
	err := cb.Fire(context.Background(), func(ctx context.Context) error {
		t.Error("must not execute while open")
		return nil
	})
	if !IsBreakerOpen(err) {
		t.Errorf("expected breaker-open error, got %v", err)
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := testBreaker()

	// 2 failures out of 10 calls: 20% error rate, below the 50% threshold
	for i := 0; i < 8; i++ {
		cb.Fire(context.Background(), succeed)
	}
	for i := 0; i < 2; i++ {
		cb.Fire(context.Background(), fail)
	}

	if cb.State() != BreakerClosed {
		t.Errorf("expected closed at 20%% error rate, got %s", cb.State())
	}
}

func TestCircuitBreaker_IgnoresSparseFailures(t *testing.T) {
	cb, _ := testBreaker()

	// Below the minimum request count the rate is not meaningful
	cb.Fire(context.Background(), fail)
	cb.Fire(context.Background(), fail)

	if cb.State() != BreakerClosed {
		t.Errorf("two calls must not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := testBreaker()

	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), fail)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Cooldown elapses: probe failure re-opens
	*now = now.Add(31 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}
	cb.Fire(context.Background(), fail)
	if cb.State() != BreakerOpen {
		t.Fatalf("expected re-open after failed probe, got %s", cb.State())
	}

	// Second cooldown: probe success closes
	*now = now.Add(31 * time.Second)
	if err := cb.Fire(context.Background(), succeed); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_WindowExpiry(t *testing.T) {
	cb, now := testBreaker()

	for i := 0; i < 4; i++ {
		cb.Fire(context.Background(), fail)
	}

	// Old failures roll out of the 10s window
	*now = now.Add(15 * time.Second)
	for i := 0; i < 5; i++ {
		cb.Fire(context.Background(), succeed)
	}
	cb.Fire(context.Background(), fail)

	if cb.State() != BreakerClosed {
		t.Errorf("stale failures must not count, got %s", cb.State())
	}

	stats := cb.Stats()
	if stats.Failures != 1 || stats.Successes != 5 {
		t.Errorf("window counts wrong: %+v", stats)
	}
}

func TestCircuitBreaker_TimeoutCountsAsError(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		CallTimeout:    20 * time.Millisecond,
		ErrorThreshold: 0.5,
		Window:         10 * time.Second,
		Buckets:        10,
		ResetTimeout:   30 * time.Second,
	})

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	for i := 0; i < 5; i++ {
		err := cb.Fire(context.Background(), slow)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout error, got %v", err)
		}
	}

	if cb.State() != BreakerOpen {
		t.Errorf("timeouts must open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_TransitionCallback(t *testing.T) {
	var transitions []string
	cb, now := testBreaker()
	cb.WithStateChangeCallback(func(from, to string) {
		transitions = append(transitions, from+">"+to)
	})

	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), fail)
	}
	*now = now.Add(31 * time.Second)
	cb.Fire(context.Background(), succeed)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker()

	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), fail)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	if stats := cb.Stats(); stats.Failures != 0 {
		t.Errorf("reset must clear the window, got %+v", stats)
	}
}

func TestCircuitBreaker_VersionConflictsDoNotOpen(t *testing.T) {
	cb, _ := testBreaker()

	conflict := func(ctx context.Context) error { return NewVersionMismatch(3, 7) }
	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), conflict)
	}

	if cb.State() != BreakerClosed {
		t.Fatalf("version conflicts must not open the circuit, got %s", cb.State())
	}
	if stats := cb.Stats(); stats.Failures != 0 {
		t.Errorf("conflicts must not count as window failures: %+v", stats)
	}

	// mixed with real failures they still dilute nothing: only the real
	// failures drive the rate
	for i := 0; i < 10; i++ {
		cb.Fire(context.Background(), fail)
	}
	if cb.State() != BreakerOpen {
		t.Errorf("real failures must still open the circuit, got %s", cb.State())
	}
}
