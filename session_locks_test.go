package authstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionLockTable_MutualExclusion(t *testing.T) {
	table := NewSessionLockTable(0, 0)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.RunExclusive(ctx, "session-1", func() error {
				// unsynchronized on purpose; the lock is the synchronization
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 exclusive increments, got %d", counter)
	}
}

func TestSessionLockTable_IndependentSessions(t *testing.T) {
	table := NewSessionLockTable(0, 0)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go table.RunExclusive(ctx, "busy", func() error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	// A different session must not queue behind "busy"
	done := make(chan struct{})
	go func() {
		table.RunExclusive(ctx, "other", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent session blocked by unrelated lock")
	}
}

func TestSessionLockTable_ContextCancellation(t *testing.T) {
	table := NewSessionLockTable(0, 0)

	release := make(chan struct{})
	held := make(chan struct{})
	go table.RunExclusive(context.Background(), "session-1", func() error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := table.RunExclusive(ctx, "session-1", func() error {
		t.Error("must not run after cancellation")
		return nil
	})
	if !IsRetryable(err) {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestSessionLockTable_CapacityEviction(t *testing.T) {
	table := NewSessionLockTable(2, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := table.RunExclusive(ctx, id, func() error { return nil }); err != nil {
			t.Fatalf("RunExclusive(%s): %v", id, err)
		}
	}

	if n := table.Len(); n > 2 {
		t.Errorf("table exceeded capacity: %d entries", n)
	}
}

func TestSessionLockTable_HeldLocksSurviveEviction(t *testing.T) {
	table := NewSessionLockTable(1, time.Hour)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- table.RunExclusive(ctx, "held", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// Table is at capacity with a live holder; new sessions still work and
	// the held entry is never evicted mid-critical-section
	if err := table.RunExclusive(ctx, "newcomer", func() error { return nil }); err != nil {
		t.Fatalf("RunExclusive(newcomer): %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("held critical section failed: %v", err)
	}
}

func TestSessionLockTable_IdleReap(t *testing.T) {
	table := NewSessionLockTable(100, 10*time.Millisecond)
	ctx := context.Background()

	table.RunExclusive(ctx, "old", func() error { return nil })
	time.Sleep(25 * time.Millisecond)
	table.RunExclusive(ctx, "new", func() error { return nil })

	if n := table.Len(); n != 1 {
		t.Errorf("expected idle entry reaped, got %d entries", n)
	}
}
