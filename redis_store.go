package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	authKeyPrefix = "auth:"
	metaKeySuffix = ":meta"

	// casMaxRetries bounds optimistic WATCH/MULTI retries on contended keys
	casMaxRetries = 5
)

// RedisStore is the fast tier: a versioned snapshot cache on Redis.
//
// Layout per session:
//   - auth:{id}       JSON Versioned (full snapshot + version + updatedAt)
//   - auth:{id}:meta  JSON VersionedMeta, independently readable so the
//     cache-warming protocol can check the version without the body
//
// All writes go through WATCH/MULTI so concurrent mutators never produce a
// torn merge and the version never regresses.
type RedisStore struct {
	client     *redis.Client
	ttl        TTLConfig
	logger     Logger
	ownsClient bool
}

// NewRedisStore creates a fast-tier store on an existing Redis client
func NewRedisStore(client *redis.Client, ttl TTLConfig, logger Logger) *RedisStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// NewRedisStoreWithOwnedClient creates a store that closes the client on Close
func NewRedisStoreWithOwnedClient(client *redis.Client, ttl TTLConfig, logger Logger) *RedisStore {
	s := NewRedisStore(client, ttl, logger)
	s.ownsClient = true
	return s
}

// Client exposes the underlying connection so collaborators (the outbox)
// can share it
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) mainKey(sessionID string) string {
	return authKeyPrefix + sessionID
}

func (s *RedisStore) metaKey(sessionID string) string {
	return authKeyPrefix + sessionID + metaKeySuffix
}

func (s *RedisStore) recordTTL() time.Duration {
	if ttl := s.ttl.EffectiveRecordTTL(); ttl > 0 {
		return ttl
	}
	return 30 * 24 * time.Hour
}

// Get returns the stored snapshot, or (nil, nil) when absent
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Versioned, error) {
	data, err := s.client.Get(ctx, s.mainKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapStorage(ErrFastTier, err)
	}

	var rec Versioned
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, wrapStorage(ErrFastTier, fmt.Errorf("corrupt record for %s: %w", sessionID, err))
	}
	return &rec, nil
}

// GetMeta returns the companion version record, or (nil, nil) when absent
func (s *RedisStore) GetMeta(ctx context.Context, sessionID string) (*VersionedMeta, error) {
	data, err := s.client.Get(ctx, s.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapStorage(ErrFastTier, err)
	}

	var meta VersionedMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, wrapStorage(ErrFastTier, fmt.Errorf("corrupt meta for %s: %w", sessionID, err))
	}
	return &meta, nil
}

// Set merges the patch under optimistic concurrency control.
// With expectedVersion set, a stored version that differs fails the write
// with a VersionMismatchError. The new version is max(stored, expected)+1.
func (s *RedisStore) Set(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion *int64) (*VersionedResult, error) {
	var result *VersionedResult

	apply := func(tx *redis.Tx) error {
		stored := int64(0)
		snap := &AuthSnapshot{}

		data, err := tx.Get(ctx, s.mainKey(sessionID)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// first write for this session
		case err != nil:
			return err
		default:
			var rec Versioned
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("corrupt record for %s: %w", sessionID, err)
			}
			stored = rec.Version
			if rec.Data != nil {
				snap = rec.Data
			}
		}

		if expectedVersion != nil && *expectedVersion != stored {
			return NewVersionMismatch(*expectedVersion, stored)
		}
		newVersion := stored + 1

		ApplyPatch(snap, patch)
		now := time.Now().UTC()

		rec := Versioned{Data: snap, Version: newVersion, UpdatedAt: now}
		recData, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		metaData, err := json.Marshal(&VersionedMeta{Version: newVersion, UpdatedAt: now})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.recordTTL()
			pipe.Set(ctx, s.mainKey(sessionID), recData, ttl)
			pipe.Set(ctx, s.metaKey(sessionID), metaData, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		result = &VersionedResult{Version: newVersion, UpdatedAt: now, Success: true}
		return nil
	}

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		err := s.client.Watch(ctx, apply, s.mainKey(sessionID))
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if IsVersionMismatch(err) {
			return nil, err
		}
		return nil, wrapStorage(ErrFastTier, err)
	}

	return nil, wrapStorage(ErrFastTier, fmt.Errorf("cas retries exhausted for %s", sessionID))
}

// WarmSet installs a snapshot read from the durable tier at exactly the
// given version. The write is abandoned without error when the stored
// version is already at or past the candidate; a concurrent writer racing
// the transaction surfaces as a VersionMismatchError for the caller to
// swallow. The meta key is watched, which is what makes the
// check-then-write here safe.
func (s *RedisStore) WarmSet(ctx context.Context, sessionID string, snap *AuthSnapshot, version int64, updatedAt time.Time) error {
	apply := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.metaKey(sessionID)).Bytes()
		if err == nil {
			var meta VersionedMeta
			if err := json.Unmarshal(data, &meta); err == nil && meta.Version >= version {
				return nil // already fresher than the candidate
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		rec := Versioned{Data: snap, Version: version, UpdatedAt: updatedAt}
		recData, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		metaData, err := json.Marshal(&VersionedMeta{Version: version, UpdatedAt: updatedAt})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.recordTTL()
			pipe.Set(ctx, s.mainKey(sessionID), recData, ttl)
			pipe.Set(ctx, s.metaKey(sessionID), metaData, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, apply, s.metaKey(sessionID))
	if errors.Is(err, redis.TxFailedErr) {
		// a foreground writer moved past us; warming loses the race
		return NewVersionMismatch(version, -1)
	}
	if err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// Delete removes the main and meta records
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.mainKey(sessionID), s.metaKey(sessionID)).Err(); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// Touch extends the record TTLs without touching data or version
func (s *RedisStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.recordTTL()
	}

	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.mainKey(sessionID), ttl)
	pipe.Expire(ctx, s.metaKey(sessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// Exists reports whether the session has a cached snapshot
func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.mainKey(sessionID)).Result()
	if err != nil {
		return false, wrapStorage(ErrFastTier, err)
	}
	return n > 0, nil
}

// IsHealthy pings the server
func (s *RedisStore) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Connect verifies the connection
func (s *RedisStore) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapStorage(ErrFastTier, err)
	}
	return nil
}

// Close releases the client when this store owns it
func (s *RedisStore) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
