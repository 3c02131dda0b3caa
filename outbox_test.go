package authstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewOutbox(client, nil)
}

func TestOutbox_AddIsIdempotent(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	if err := outbox.Add(ctx, "s1", credsPatch("a", "1"), 1, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := outbox.MarkProcessing(ctx, "s1", 1); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	// Re-adding the same (session, version) must not reset the entry
	if err := outbox.Add(ctx, "s1", credsPatch("a", "other"), 1, ""); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	entry, err := outbox.getEntry(ctx, "s1", 1)
	if err != nil || entry == nil {
		t.Fatalf("getEntry: entry=%v err=%v", entry, err)
	}
	if entry.Status != OutboxProcessing {
		t.Errorf("duplicate add reset the entry: %+v", entry)
	}
}

func TestOutbox_GetPendingOrderAndEligibility(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	// Insert out of order
	for _, v := range []int64{3, 1, 5, 2, 4} {
		if err := outbox.Add(ctx, "s1", credsPatch("a", "x"), v, ""); err != nil {
			t.Fatalf("Add v%d: %v", v, err)
		}
	}

	// v2 completed, v4 failed within budget, v5 exhausted
	if err := outbox.MarkCompleted(ctx, "s1", 2); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := outbox.MarkFailed(ctx, "s1", 4, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	for i := 0; i < OutboxMaxAttempts; i++ {
		if err := outbox.MarkFailed(ctx, "s1", 5, errors.New("boom")); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}

	entries, err := outbox.GetPending(ctx, "s1")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}

	var versions []int64
	for _, e := range entries {
		versions = append(versions, e.Version)
	}
	want := []int64{1, 3, 4}
	if len(versions) != len(want) {
		t.Fatalf("expected versions %v, got %v", want, versions)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("expected versions %v in ascending order, got %v", want, versions)
		}
	}
}

func TestOutbox_StaleProcessingBecomesEligible(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "")
	outbox.MarkProcessing(ctx, "s1", 1)

	// Fresh processing entries are in flight, not eligible
	entries, _ := outbox.GetPending(ctx, "s1")
	if len(entries) != 0 {
		t.Fatalf("fresh processing entry must not be pending, got %d", len(entries))
	}

	// Backdate the entry past the stale threshold, as if the worker died
	entry, _ := outbox.getEntry(ctx, "s1", 1)
	entry.UpdatedAt = time.Now().UTC().Add(-outboxProcessingStale - time.Minute)
	if err := outbox.putEntry(ctx, entry); err != nil {
		t.Fatalf("putEntry: %v", err)
	}

	entries, _ = outbox.GetPending(ctx, "s1")
	if len(entries) != 1 {
		t.Errorf("stale processing entry must become eligible, got %d", len(entries))
	}
}

func TestOutbox_MarkFailedTracksAttempts(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "")
	outbox.MarkFailed(ctx, "s1", 1, errors.New("connection refused"))
	outbox.MarkFailed(ctx, "s1", 1, errors.New("timeout"))

	entry, _ := outbox.getEntry(ctx, "s1", 1)
	if entry.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", entry.Attempts)
	}
	if entry.LastError != "timeout" {
		t.Errorf("expected last error recorded, got %q", entry.LastError)
	}
	if entry.Status != OutboxFailed {
		t.Errorf("expected failed status, got %s", entry.Status)
	}
}

func TestOutbox_MarkCompletedMissingEntry(t *testing.T) {
	outbox := newTestOutbox(t)

	// The write-behind fallback can complete an entry the reconciler already
	// removed; that must not be an error
	if err := outbox.MarkCompleted(context.Background(), "s1", 42); err != nil {
		t.Errorf("MarkCompleted on missing entry: %v", err)
	}
}

func TestOutbox_MoveToDeadLetter(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "token-1")
	for i := 0; i < OutboxMaxAttempts; i++ {
		outbox.MarkFailed(ctx, "s1", 1, errors.New("persistent failure"))
	}

	entry, _ := outbox.getEntry(ctx, "s1", 1)
	if err := outbox.MoveToDeadLetter(ctx, entry, errors.New("gave up")); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}

	// Entry gone from the live outbox
	if live, _ := outbox.getEntry(ctx, "s1", 1); live != nil {
		t.Error("dead-lettered entry still in the live outbox")
	}

	size, err := outbox.GetDeadLetterSize(ctx)
	if err != nil || size != 1 {
		t.Fatalf("GetDeadLetterSize: size=%d err=%v", size, err)
	}

	records, err := outbox.GetDeadLetter(ctx, 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("GetDeadLetter: records=%d err=%v", len(records), err)
	}
	rec := records[0]
	if rec.SessionID != "s1" || rec.Version != 1 || rec.Attempts != OutboxMaxAttempts {
		t.Errorf("dead-letter record wrong: %+v", rec)
	}
	if rec.LastError != "gave up" {
		t.Errorf("expected cause recorded, got %q", rec.LastError)
	}
}

func TestOutbox_ListSessionsSkipsDeadLetter(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "")
	outbox.Add(ctx, "s2", credsPatch("a", "x"), 1, "")

	entry, _ := outbox.getEntry(ctx, "s1", 1)
	outbox.MoveToDeadLetter(ctx, entry, errors.New("x"))

	sessions, err := outbox.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, s := range sessions {
		if s == "dlq" {
			t.Error("dead-letter key listed as a session")
		}
	}
	// s1 still has a (now empty) container only if entries remain; s2 must
	// be present either way
	found := false
	for _, s := range sessions {
		if s == "s2" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected s2 in sessions, got %v", sessions)
	}
}

func TestOutbox_Cleanup(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "")
	outbox.Add(ctx, "s1", credsPatch("a", "y"), 2, "")

	// Backdate v1 past the completion grace; leave v2 pending
	entry, _ := outbox.getEntry(ctx, "s1", 1)
	old := time.Now().UTC().Add(-OutboxCompletedGrace - time.Minute)
	entry.Status = OutboxCompleted
	entry.CompletedAt = &old
	if err := outbox.putEntry(ctx, entry); err != nil {
		t.Fatalf("putEntry: %v", err)
	}

	removed, err := outbox.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if e, _ := outbox.getEntry(ctx, "s1", 2); e == nil {
		t.Error("pending entry must survive cleanup")
	}
}

func TestOutbox_Stats(t *testing.T) {
	outbox := newTestOutbox(t)
	ctx := context.Background()

	outbox.Add(ctx, "s1", credsPatch("a", "x"), 1, "")
	outbox.Add(ctx, "s2", credsPatch("a", "x"), 1, "")
	outbox.MarkFailed(ctx, "s2", 1, errors.New("x"))

	stats, err := outbox.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", stats.Sessions)
	}
	if stats.ByStatus["pending"] != 1 || stats.ByStatus["failed"] != 1 {
		t.Errorf("status counts wrong: %+v", stats.ByStatus)
	}
	if stats.DeadLetterSize != 0 {
		t.Errorf("expected empty dead letter, got %d", stats.DeadLetterSize)
	}
}
