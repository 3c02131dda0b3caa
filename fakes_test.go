package authstore

import (
	"context"
	"sync"
	"time"
)

// fakeDurable is an in-memory DurableTier for orchestrator and reconciler
// tests. It honors the version guard the way the real store does.
type fakeDurable struct {
	mu          sync.Mutex
	records     map[string]*Versioned
	upsertErr   error
	getErr      error
	deleteErr   error
	touchErr    error
	healthy     bool
	upserts     []int64 // versions in arrival order
	connectCall int
	closeCall   int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		records: make(map[string]*Versioned),
		healthy: true,
	}
}

func (f *fakeDurable) Get(ctx context.Context, sessionID string) (*Versioned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[sessionID]
	if !ok {
		return nil, nil
	}
	return &Versioned{Data: rec.Data.Clone(), Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

func (f *fakeDurable) Upsert(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion int64, fencingToken string) (*VersionedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}

	snap := &AuthSnapshot{}
	if rec, ok := f.records[sessionID]; ok {
		if rec.Version > expectedVersion {
			return nil, NewVersionMismatch(expectedVersion, rec.Version)
		}
		snap = rec.Data.Clone()
	}

	ApplyPatch(snap, patch)
	now := time.Now().UTC()
	f.records[sessionID] = &Versioned{Data: snap, Version: expectedVersion + 1, UpdatedAt: now}
	f.upserts = append(f.upserts, expectedVersion+1)

	return &VersionedResult{Version: expectedVersion + 1, UpdatedAt: now, Success: true}, nil
}

func (f *fakeDurable) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, sessionID)
	return nil
}

func (f *fakeDurable) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touchErr
}

func (f *fakeDurable) Exists(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[sessionID]
	return ok, nil
}

func (f *fakeDurable) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeDurable) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCall++
	return nil
}

func (f *fakeDurable) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCall++
	return nil
}

func (f *fakeDurable) version(sessionID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sessionID]
	if !ok {
		return 0
	}
	return rec.Version
}

func (f *fakeDurable) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

// fakeQueue is an in-memory QueueAdapter
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []PersistJobPayload
	addErr error
	closed bool
}

func (q *fakeQueue) Add(ctx context.Context, jobName string, payload PersistJobPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return q.addErr
	}
	q.jobs = append(q.jobs, payload)
	return nil
}

func (q *fakeQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) jobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
