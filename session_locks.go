package authstore

import (
	"context"
	"sync"
	"time"
)

// sessionLock is a refcounted mutex entry. The refcount tracks in-flight
// holders so eviction never discards a lock someone is waiting on.
type sessionLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// SessionLockTable serializes writes per session in-process.
//
// Entries are created on demand and bounded two ways: idle entries older
// than the TTL are reaped opportunistically, and when the table is at
// capacity the oldest idle entry is evicted before inserting. Entries with
// live holders are never evicted.
type SessionLockTable struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	maxSize int
	idleTTL time.Duration
}

// NewSessionLockTable creates a lock table with the given capacity and
// idle TTL. Zero values select the defaults (10000 entries, 30 minutes).
func NewSessionLockTable(maxSize int, idleTTL time.Duration) *SessionLockTable {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &SessionLockTable{
		locks:   make(map[string]*sessionLock),
		maxSize: maxSize,
		idleTTL: idleTTL,
	}
}

// acquire returns the lock entry for the session, creating it if needed,
// with its refcount already bumped.
func (t *SessionLockTable) acquire(sessionID string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reapLocked()

	l, ok := t.locks[sessionID]
	if !ok {
		if len(t.locks) >= t.maxSize {
			t.evictOldestIdleLocked()
		}
		l = &sessionLock{}
		t.locks[sessionID] = l
	}
	l.refs++
	return l
}

func (t *SessionLockTable) release(sessionID string, l *sessionLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	l.lastUsed = time.Now()
}

// reapLocked drops idle entries past the TTL. Callers hold t.mu.
func (t *SessionLockTable) reapLocked() {
	cutoff := time.Now().Add(-t.idleTTL)
	for id, l := range t.locks {
		if l.refs == 0 && l.lastUsed.Before(cutoff) {
			delete(t.locks, id)
		}
	}
}

// evictOldestIdleLocked makes room by removing the least recently used
// entry with no holders. Callers hold t.mu.
func (t *SessionLockTable) evictOldestIdleLocked() {
	var oldestID string
	var oldest time.Time
	for id, l := range t.locks {
		if l.refs != 0 {
			continue
		}
		if oldestID == "" || l.lastUsed.Before(oldest) {
			oldestID = id
			oldest = l.lastUsed
		}
	}
	if oldestID != "" {
		delete(t.locks, oldestID)
	}
}

// RunExclusive runs fn while holding the session's lock. Acquisition
// respects context cancellation so a caller stuck behind a slow writer can
// still time out.
func (t *SessionLockTable) RunExclusive(ctx context.Context, sessionID string, fn func() error) error {
	l := t.acquire(sessionID)
	defer t.release(sessionID, l)

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// the goroutine still holds or will hold the mutex; hand it back
		// as soon as it lands
		go func() {
			<-acquired
			l.mu.Unlock()
		}()
		return wrapStorage(ErrTimeout, ctx.Err())
	}

	defer l.mu.Unlock()
	return fn()
}

// Len returns the number of tracked sessions
func (t *SessionLockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
