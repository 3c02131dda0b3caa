package authstore

import (
	"context"
	"time"
)

// PersistJobName is the job name used for write-behind persistence jobs
const PersistJobName = "auth-state-persist"

// PersistJobPayload is the payload enqueued for each write-behind job.
// A consumer applies the patch to the durable tier and marks the matching
// outbox entry completed.
type PersistJobPayload struct {
	SessionID    string    `json:"sessionId"`
	Patch        AuthPatch `json:"patch"`
	Version      int64     `json:"version"`
	FencingToken string    `json:"fencingToken,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// QueueAdapter is the external job queue consumed by the write-behind path.
// Implementations are provided by the embedding application.
type QueueAdapter interface {
	Add(ctx context.Context, jobName string, payload PersistJobPayload) error
	Close(ctx context.Context) error
}
