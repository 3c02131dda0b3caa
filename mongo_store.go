package authstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// docCacheSize bounds the short-lived read cache in front of MongoDB
	docCacheSize = 1024

	// docCacheTTL absorbs read amplification without serving stale data
	// past the reconciliation lag
	docCacheTTL = 5 * time.Second
)

// authDocument is the durable-tier record layout. Field bytes are stored as
// base64(nonce ‖ ciphertext) produced by the codec.
type authDocument struct {
	ID           string            `bson:"_id"`
	Version      int64             `bson:"version"`
	Creds        string            `bson:"creds,omitempty"`
	Keys         map[string]string `bson:"keys,omitempty"`
	AppState     string            `bson:"appState,omitempty"`
	FencingToken string            `bson:"fencingToken,omitempty"`
	UpdatedAt    time.Time         `bson:"updatedAt"`
	CreatedAt    time.Time         `bson:"createdAt"`
	ExpiresAt    time.Time         `bson:"expiresAt"`
}

// MongoStore is the durable tier: one document per session, versioned, with
// server-side expiration and per-field encryption through the codec.
type MongoStore struct {
	client     *mongo.Client
	coll       *mongo.Collection
	codec      Codec
	ttl        TTLConfig
	resilience ResilienceConfig
	logger     Logger
	cache      *expirable.LRU[string, *Versioned]
	ownsClient bool
}

// NewMongoStore creates a durable-tier store on an existing collection
func NewMongoStore(coll *mongo.Collection, codec Codec, ttl TTLConfig, resilience ResilienceConfig, logger Logger) *MongoStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if codec == nil {
		codec = &plainCodec{}
	}
	return &MongoStore{
		coll:       coll,
		codec:      codec,
		ttl:        ttl,
		resilience: resilience,
		logger:     logger,
		cache:      expirable.NewLRU[string, *Versioned](docCacheSize, nil, docCacheTTL),
	}
}

// NewMongoStoreWithOwnedClient creates a store that disconnects the client on Close
func NewMongoStoreWithOwnedClient(client *mongo.Client, coll *mongo.Collection, codec Codec, ttl TTLConfig, resilience ResilienceConfig, logger Logger) *MongoStore {
	s := NewMongoStore(coll, codec, ttl, resilience, logger)
	s.client = client
	s.ownsClient = true
	return s
}

// EnsureIndexes creates the TTL and scan indexes. Safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "updatedAt", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "version", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "fencingToken", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	})
	if err != nil {
		return wrapStorage(ErrDurableTier, fmt.Errorf("index creation: %w", err))
	}
	return nil
}

func (s *MongoStore) encodeField(v interface{}) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sealed, err := s.codec.Encode(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *MongoStore) decodeField(encoded string, dest interface{}) error {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return wrapStorage(ErrDurableTier, fmt.Errorf("base64 decode: %w", err))
	}
	plain, err := s.codec.Decode(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, dest)
}

func (s *MongoStore) encodeDocument(sessionID string, snap *AuthSnapshot, version int64, fencingToken string, createdAt time.Time) (*authDocument, error) {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := &authDocument{
		ID:           sessionID,
		Version:      version,
		FencingToken: fencingToken,
		UpdatedAt:    now,
		CreatedAt:    createdAt,
		ExpiresAt:    now.Add(s.recordTTL()),
	}

	if snap.Creds != nil {
		encoded, err := s.encodeField(snap.Creds)
		if err != nil {
			return nil, wrapStorage(ErrDurableTier, fmt.Errorf("encode creds: %w", err))
		}
		doc.Creds = encoded
	}

	if len(snap.Keys) > 0 {
		doc.Keys = make(map[string]string, len(snap.Keys))
		for keyType, bundles := range snap.Keys {
			encoded, err := s.encodeField(bundles)
			if err != nil {
				return nil, wrapStorage(ErrDurableTier, fmt.Errorf("encode keys %s: %w", keyType, err))
			}
			doc.Keys[keyType] = encoded
		}
	}

	if len(snap.AppState) > 0 {
		encoded, err := s.encodeField(snap.AppState)
		if err != nil {
			return nil, wrapStorage(ErrDurableTier, fmt.Errorf("encode appState: %w", err))
		}
		doc.AppState = encoded
	}

	return doc, nil
}

func (s *MongoStore) decodeDocument(doc *authDocument) (*Versioned, error) {
	snap := &AuthSnapshot{}

	if doc.Creds != "" {
		if err := s.decodeField(doc.Creds, &snap.Creds); err != nil {
			return nil, err
		}
	}

	if len(doc.Keys) > 0 {
		snap.Keys = make(KeyMap, len(doc.Keys))
		for keyType, encoded := range doc.Keys {
			var bundles map[string]json.RawMessage
			if err := s.decodeField(encoded, &bundles); err != nil {
				return nil, err
			}
			snap.Keys[keyType] = bundles
		}
	}

	if doc.AppState != "" {
		if err := s.decodeField(doc.AppState, &snap.AppState); err != nil {
			return nil, err
		}
	}

	return &Versioned{Data: snap, Version: doc.Version, UpdatedAt: doc.UpdatedAt}, nil
}

func (s *MongoStore) recordTTL() time.Duration {
	if ttl := s.ttl.EffectiveRecordTTL(); ttl > 0 {
		return ttl
	}
	return 30 * 24 * time.Hour
}

func (s *MongoStore) fetchDocument(ctx context.Context, sessionID string) (*authDocument, error) {
	var doc authDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(ErrDurableTier, err)
	}
	return &doc, nil
}

// Get returns the stored snapshot, or (nil, nil) when absent. Reads within
// the cache TTL are served in-process.
func (s *MongoStore) Get(ctx context.Context, sessionID string) (*Versioned, error) {
	if cached, ok := s.cache.Get(sessionID); ok {
		return &Versioned{Data: cached.Data.Clone(), Version: cached.Version, UpdatedAt: cached.UpdatedAt}, nil
	}

	doc, err := s.fetchDocument(ctx, sessionID)
	if err != nil || doc == nil {
		return nil, err
	}

	rec, err := s.decodeDocument(doc)
	if err != nil {
		return nil, err
	}

	s.cache.Add(sessionID, &Versioned{Data: rec.Data.Clone(), Version: rec.Version, UpdatedAt: rec.UpdatedAt})
	return rec, nil
}

// Upsert applies the patch when the stored version is at most
// expectedVersion or the record is absent, producing version
// expectedVersion+1. Concurrent writers surface as duplicate-key or
// matched-zero conflicts, which are retried with exponential backoff;
// a stored version beyond the guard is a VersionMismatchError.
func (s *MongoStore) Upsert(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion int64, fencingToken string) (*VersionedResult, error) {
	s.cache.Remove(sessionID)

	var result *VersionedResult

	err := retry.Do(ctx, s.retryBackoff(), func(ctx context.Context) error {
		doc, err := s.fetchDocument(ctx, sessionID)
		if err != nil {
			return err
		}

		if doc == nil {
			snap := &AuthSnapshot{}
			ApplyPatch(snap, patch)

			newDoc, err := s.encodeDocument(sessionID, snap, expectedVersion+1, fencingToken, time.Time{})
			if err != nil {
				return err
			}

			if _, err := s.coll.InsertOne(ctx, newDoc); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					// lost a race with another inserter; re-read and retry
					return retry.RetryableError(err)
				}
				return wrapStorage(ErrDurableTier, err)
			}

			result = &VersionedResult{Version: newDoc.Version, UpdatedAt: newDoc.UpdatedAt, Success: true}
			return nil
		}

		if doc.Version > expectedVersion {
			return NewVersionMismatch(expectedVersion, doc.Version)
		}

		rec, err := s.decodeDocument(doc)
		if err != nil {
			return err
		}

		snap := rec.Data
		ApplyPatch(snap, patch)

		newDoc, err := s.encodeDocument(sessionID, snap, expectedVersion+1, fencingToken, doc.CreatedAt)
		if err != nil {
			return err
		}

		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": sessionID, "version": doc.Version}, newDoc)
		if err != nil {
			return wrapStorage(ErrDurableTier, err)
		}
		if res.MatchedCount == 0 {
			// someone moved the version between our read and write
			return retry.RetryableError(fmt.Errorf("concurrent update on %s", sessionID))
		}

		result = &VersionedResult{Version: newDoc.Version, UpdatedAt: newDoc.UpdatedAt, Success: true}
		return nil
	})
	if err != nil {
		if IsVersionMismatch(err) {
			return nil, err
		}
		return nil, wrapStorage(ErrDurableTier, err)
	}

	s.cache.Remove(sessionID)
	return result, nil
}

func (s *MongoStore) maxRetries() int {
	if s.resilience.MaxRetries > 0 {
		return s.resilience.MaxRetries
	}
	return 3
}

func (s *MongoStore) retryBaseDelay() time.Duration {
	if s.resilience.RetryBaseDelay > 0 {
		return s.resilience.RetryBaseDelay
	}
	return 100 * time.Millisecond
}

func (s *MongoStore) retryMultiplier() float64 {
	if s.resilience.RetryMultiplier >= 1 {
		return s.resilience.RetryMultiplier
	}
	return 2
}

// retryBackoff builds a fresh exponential backoff: base * multiplier^attempt,
// capped at maxRetries. Each Upsert gets its own attempt counter.
func (s *MongoStore) retryBackoff() retry.Backoff {
	base := s.retryBaseDelay()
	multiplier := s.retryMultiplier()
	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
		attempt++
		return delay, false
	})
	return retry.WithMaxRetries(uint64(s.maxRetries()), backoff)
}

// Delete removes the document
func (s *MongoStore) Delete(ctx context.Context, sessionID string) error {
	s.cache.Remove(sessionID)
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return wrapStorage(ErrDurableTier, err)
	}
	return nil
}

// Touch extends the server-side expiration without changing data or version
func (s *MongoStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.recordTTL()
	}

	s.cache.Remove(sessionID)
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().UTC().Add(ttl)}},
	)
	if err != nil {
		return wrapStorage(ErrDurableTier, err)
	}
	return nil
}

// Exists reports whether a document is stored for the session
func (s *MongoStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if _, ok := s.cache.Get(sessionID); ok {
		return true, nil
	}

	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage(ErrDurableTier, err)
	}
	return true, nil
}

// IsHealthy pings the deployment with a short deadline
func (s *MongoStore) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.coll.Database().Client().Ping(ctx, nil) == nil
}

// Connect verifies connectivity and ensures the indexes
func (s *MongoStore) Connect(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, nil); err != nil {
		return wrapStorage(ErrDurableTier, err)
	}
	return s.EnsureIndexes(ctx)
}

// Close disconnects the client when this store owns it
func (s *MongoStore) Close(ctx context.Context) error {
	s.cache.Purge()
	if !s.ownsClient || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
