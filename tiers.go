package authstore

import (
	"context"
	"time"
)

// TierStore is the contract shared by both storage tiers. Get returns
// (nil, nil) for an absent session; absence is not an error.
type TierStore interface {
	Get(ctx context.Context, sessionID string) (*Versioned, error)
	Delete(ctx context.Context, sessionID string) error

	// Touch extends the record's expiration without changing data or
	// version. ttl <= 0 means the configured default.
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error

	Exists(ctx context.Context, sessionID string) (bool, error)
	IsHealthy(ctx context.Context) bool

	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// FastTier is the low-latency cache tier. Set performs an optimistic CAS
// merge: when expectedVersion is non-nil and differs from the stored version
// the write fails with a VersionMismatchError; otherwise the patch is merged
// atomically and the version advances to max(stored, expected)+1.
type FastTier interface {
	TierStore

	Set(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion *int64) (*VersionedResult, error)

	// GetMeta reads the companion version record without the snapshot body
	GetMeta(ctx context.Context, sessionID string) (*VersionedMeta, error)

	// WarmSet installs a full snapshot read from the durable tier, guarded
	// so the stored version never regresses. A concurrent writer that moved
	// past version makes the call fail with a version conflict.
	WarmSet(ctx context.Context, sessionID string, snap *AuthSnapshot, version int64, updatedAt time.Time) error
}

// DurableTier is the persistent document tier. Upsert applies the patch when
// the stored version is at most expectedVersion, or when the record is
// absent; a stored version beyond the guard is a VersionMismatchError.
type DurableTier interface {
	TierStore

	Upsert(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion int64, fencingToken string) (*VersionedResult, error)
}
