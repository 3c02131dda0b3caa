package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outboxKeyPrefix   = "outbox:"
	deadLetterKey     = "outbox:dlq"
	outboxScanBatch   = 100
	deadLetterMaxSize = 10000

	// outboxProcessingStale is how long an entry may sit in processing
	// before it is presumed orphaned by a crashed worker and retried
	outboxProcessingStale = 5 * time.Minute
)

// OutboxStatus is the lifecycle state of a pending durable write
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEntry is one durable write owed from the fast tier.
// At most one live entry exists per (sessionId, version).
type OutboxEntry struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId"`
	Patch        AuthPatch    `json:"patch"`
	Version      int64        `json:"version"`
	FencingToken string       `json:"fencingToken,omitempty"`
	Status       OutboxStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"lastError,omitempty"`
}

// DeadLetterRecord is the immutable copy of a terminally failed entry
type DeadLetterRecord struct {
	SessionID    string    `json:"sessionId"`
	EntryID      string    `json:"entryId"`
	Version      int64     `json:"version"`
	Patch        AuthPatch `json:"patch"`
	FencingToken string    `json:"fencingToken,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError"`
	FailedAt     time.Time `json:"failedAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// OutboxStats summarizes the live outbox for operators
type OutboxStats struct {
	Sessions       int            `json:"sessions"`
	ByStatus       map[string]int `json:"byStatus"`
	DeadLetterSize int64          `json:"deadLetterSize"`
}

// Outbox is the per-session queue of pending durable writes, stored as one
// Redis hash per session (field = version, value = JSON entry). It shares
// the fast tier's connection.
type Outbox struct {
	client *redis.Client
	logger Logger
}

// NewOutbox creates an outbox on the given Redis connection
func NewOutbox(client *redis.Client, logger Logger) *Outbox {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Outbox{client: client, logger: logger}
}

func outboxKey(sessionID string) string {
	return outboxKeyPrefix + sessionID
}

func entryID(sessionID string, version int64) string {
	return fmt.Sprintf("%s:%d", sessionID, version)
}

func versionField(version int64) string {
	return strconv.FormatInt(version, 10)
}

// Add inserts a pending entry. The insert is idempotent on
// (sessionId, version): a second call with the same key is a no-op.
func (o *Outbox) Add(ctx context.Context, sessionID string, patch AuthPatch, version int64, fencingToken string) error {
	now := time.Now().UTC()
	entry := OutboxEntry{
		ID:           entryID(sessionID, version),
		SessionID:    sessionID,
		Patch:        patch,
		Version:      version,
		FencingToken: fencingToken,
		Status:       OutboxPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return wrapStorage(ErrFastTier, err)
	}

	key := outboxKey(sessionID)
	added, err := o.client.HSetNX(ctx, key, versionField(version), data).Result()
	if err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	if added {
		// the container TTL caps how long an abandoned outbox can linger
		if err := o.client.Expire(ctx, key, OutboxContainerTTL).Err(); err != nil {
			o.logger.Warn("failed to set outbox container ttl", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

func (o *Outbox) getEntry(ctx context.Context, sessionID string, version int64) (*OutboxEntry, error) {
	data, err := o.client.HGet(ctx, outboxKey(sessionID), versionField(version)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(ErrFastTier, err)
	}

	var entry OutboxEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, wrapStorage(ErrFastTier, fmt.Errorf("corrupt outbox entry %s:%d: %w", sessionID, version, err))
	}
	return &entry, nil
}

func (o *Outbox) putEntry(ctx context.Context, entry *OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	if err := o.client.HSet(ctx, outboxKey(entry.SessionID), versionField(entry.Version), data).Err(); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// MarkProcessing transitions an entry to processing for a reconciler attempt
func (o *Outbox) MarkProcessing(ctx context.Context, sessionID string, version int64) error {
	entry, err := o.getEntry(ctx, sessionID, version)
	if err != nil || entry == nil {
		return err
	}
	entry.Status = OutboxProcessing
	entry.UpdatedAt = time.Now().UTC()
	return o.putEntry(ctx, entry)
}

// MarkPending returns an entry to the retryable pool without charging an
// attempt, used when processing was aborted before the durable write ran
func (o *Outbox) MarkPending(ctx context.Context, sessionID string, version int64) error {
	entry, err := o.getEntry(ctx, sessionID, version)
	if err != nil || entry == nil {
		return err
	}
	entry.Status = OutboxPending
	entry.UpdatedAt = time.Now().UTC()
	return o.putEntry(ctx, entry)
}

// MarkCompleted transitions an entry to completed and schedules its deletion
// after the grace period. Cleanup catches entries whose timer never fires.
func (o *Outbox) MarkCompleted(ctx context.Context, sessionID string, version int64) error {
	entry, err := o.getEntry(ctx, sessionID, version)
	if err != nil {
		return err
	}
	if entry == nil {
		// the write-behind fallback may complete an entry the reconciler
		// already removed; nothing to do
		return nil
	}

	now := time.Now().UTC()
	entry.Status = OutboxCompleted
	entry.UpdatedAt = now
	entry.CompletedAt = &now
	if err := o.putEntry(ctx, entry); err != nil {
		return err
	}

	time.AfterFunc(OutboxCompletedGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.client.HDel(ctx, outboxKey(sessionID), versionField(version)).Err(); err != nil {
			o.logger.Warn("failed to delete completed outbox entry", "session_id", sessionID, "version", version, "error", err)
		}
	})
	return nil
}

// MarkFailed records a failed attempt and keeps the entry retryable
func (o *Outbox) MarkFailed(ctx context.Context, sessionID string, version int64, cause error) error {
	entry, err := o.getEntry(ctx, sessionID, version)
	if err != nil || entry == nil {
		return err
	}

	entry.Status = OutboxFailed
	entry.Attempts++
	entry.UpdatedAt = time.Now().UTC()
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return o.putEntry(ctx, entry)
}

// GetPending returns entries eligible for reconciliation, in ascending
// version order: pending entries, and failed entries with retry budget left.
func (o *Outbox) GetPending(ctx context.Context, sessionID string) ([]*OutboxEntry, error) {
	fields, err := o.client.HGetAll(ctx, outboxKey(sessionID)).Result()
	if err != nil {
		return nil, wrapStorage(ErrFastTier, err)
	}

	entries := make([]*OutboxEntry, 0, len(fields))
	for field, data := range fields {
		var entry OutboxEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			o.logger.Warn("skipping corrupt outbox entry", "session_id", sessionID, "field", field, "error", err)
			continue
		}
		eligible := entry.Status == OutboxPending ||
			(entry.Status == OutboxFailed && entry.Attempts < OutboxMaxAttempts) ||
			(entry.Status == OutboxProcessing && time.Since(entry.UpdatedAt) > outboxProcessingStale)
		if eligible {
			e := entry
			entries = append(entries, &e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

// PurgeSession drops the session's outbox container, discarding entries in
// every status. Called when the session itself is deleted so the reconciler
// cannot replay stale writes into the durable tier afterwards.
func (o *Outbox) PurgeSession(ctx context.Context, sessionID string) error {
	if err := o.client.Del(ctx, outboxKey(sessionID)).Err(); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// MoveToDeadLetter appends an immutable record to the dead-letter container
// and removes the entry from the live outbox
func (o *Outbox) MoveToDeadLetter(ctx context.Context, entry *OutboxEntry, cause error) error {
	record := DeadLetterRecord{
		SessionID:    entry.SessionID,
		EntryID:      entry.ID,
		Version:      entry.Version,
		Patch:        entry.Patch,
		FencingToken: entry.FencingToken,
		Attempts:     entry.Attempts,
		FailedAt:     time.Now().UTC(),
		CreatedAt:    entry.CreatedAt,
	}
	if cause != nil {
		record.LastError = cause.Error()
	} else {
		record.LastError = entry.LastError
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return wrapStorage(ErrFastTier, err)
	}

	pipe := o.client.TxPipeline()
	pipe.RPush(ctx, deadLetterKey, data)
	pipe.LTrim(ctx, deadLetterKey, -deadLetterMaxSize, -1)
	pipe.HDel(ctx, outboxKey(entry.SessionID), versionField(entry.Version))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// ListSessions scans the live outbox containers and returns their session ids
func (o *Outbox) ListSessions(ctx context.Context) ([]string, error) {
	var sessions []string
	var cursor uint64

	for {
		keys, next, err := o.client.Scan(ctx, cursor, outboxKeyPrefix+"*", outboxScanBatch).Result()
		if err != nil {
			return nil, wrapStorage(ErrFastTier, err)
		}
		for _, key := range keys {
			if key == deadLetterKey {
				continue
			}
			sessions = append(sessions, strings.TrimPrefix(key, outboxKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sessions, nil
}

// Cleanup removes completed entries older than the grace period. It is the
// safety net for deletion timers lost to a process restart.
func (o *Outbox) Cleanup(ctx context.Context) (int, error) {
	sessions, err := o.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	cutoff := time.Now().UTC().Add(-OutboxCompletedGrace)

	for _, sessionID := range sessions {
		fields, err := o.client.HGetAll(ctx, outboxKey(sessionID)).Result()
		if err != nil {
			return removed, wrapStorage(ErrFastTier, err)
		}
		for field, data := range fields {
			var entry OutboxEntry
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				continue
			}
			if entry.Status == OutboxCompleted && entry.CompletedAt != nil && entry.CompletedAt.Before(cutoff) {
				if err := o.client.HDel(ctx, outboxKey(sessionID), field).Err(); err != nil {
					return removed, wrapStorage(ErrFastTier, err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

// GetDeadLetter returns up to limit of the most recent dead-letter records
func (o *Outbox) GetDeadLetter(ctx context.Context, limit int64) ([]*DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	raw, err := o.client.LRange(ctx, deadLetterKey, -limit, -1).Result()
	if err != nil {
		return nil, wrapStorage(ErrFastTier, err)
	}

	records := make([]*DeadLetterRecord, 0, len(raw))
	for _, data := range raw {
		var record DeadLetterRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			o.logger.Warn("skipping corrupt dead-letter record", "error", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// GetDeadLetterSize returns the dead-letter container length
func (o *Outbox) GetDeadLetterSize(ctx context.Context) (int64, error) {
	n, err := o.client.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, wrapStorage(ErrFastTier, err)
	}
	return n, nil
}

// Stats aggregates live entry counts by status plus the dead-letter size
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	sessions, err := o.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &OutboxStats{
		Sessions: len(sessions),
		ByStatus: make(map[string]int),
	}

	for _, sessionID := range sessions {
		fields, err := o.client.HGetAll(ctx, outboxKey(sessionID)).Result()
		if err != nil {
			return nil, wrapStorage(ErrFastTier, err)
		}
		for _, data := range fields {
			var entry OutboxEntry
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				continue
			}
			stats.ByStatus[string(entry.Status)]++
		}
	}

	size, err := o.GetDeadLetterSize(ctx)
	if err != nil {
		return nil, err
	}
	stats.DeadLetterSize = size
	return stats, nil
}
