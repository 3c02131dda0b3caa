// Package authstore is a durable authentication-state store for messaging
// clients, combining Redis (low-latency reads/writes) with MongoDB
// (durability) behind one versioned, eventually consistent API.
//
// # Overview
//
// Authstore keeps one versioned snapshot per session: credentials, signal
// key bundles, and opaque application state. It provides:
//
//   - Read-through caching: Redis first, MongoDB on a miss, with
//     TOCTOU-safe background cache warming
//   - Optimistic concurrency: monotonic per-session versions with CAS on
//     an expected version, conflicts surfaced as VersionMismatchError
//   - Write-behind via a transactional outbox and an external job queue,
//     with a background reconciler as the safety net
//   - A rolling-window circuit breaker around the durable tier
//   - Per-field encryption at rest (AES-256-GCM or NaCl secretbox) with
//     optional compression (snappy or gzip)
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// Write-through setup (no queue):
//
//	redisClient := redis.NewClient(authstore.RedisOptions())
//	cfg := authstore.DefaultHybridConfig()
//
//	fast := authstore.NewRedisStore(redisClient, cfg.TTL, nil)
//
//	codec, _ := authstore.NewCodec(cfg.Security, cfg.MasterKey)
//	coll := mongoClient.Database("auth").Collection("auth_state")
//	durable := authstore.NewMongoStore(coll, codec, cfg.TTL, cfg.Resilience, nil)
//
//	store, _ := authstore.New(fast, durable, cfg, nil, nil)
//	if err := store.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer store.Disconnect(ctx)
//
//	result, _ := store.Set(ctx, "session-1", patch, nil, "")
//	rec, _ := store.Get(ctx, "session-1")
//
// Production setup with write-behind, encryption, and observability:
//
//	cfg := authstore.DefaultHybridConfig()
//	cfg.EnableWriteBehind = true
//	cfg.Queue = myQueueAdapter // wraps the application's job queue
//	cfg.Security.EnableEncryption = true
//	cfg.Security.EnableCompression = true
//	cfg.MasterKey = loadFromSecretsManager() // 64 hex chars
//
//	logger, _ := authstore.NewProductionZapLogger()
//	metrics := authstore.NewPrometheusMetrics(prometheus.NewRegistry())
//	store, _ := authstore.New(fast, durable, cfg, logger, metrics)
//
// # Core Concepts
//
// FastTier / DurableTier: the two storage capabilities. RedisStore and
// MongoStore are the provided implementations; tests inject fakes.
//
// HybridStore: the orchestrator. All public operations (Get, Set, Delete,
// Touch, Exists, batch forms) route through it; it owns the per-session
// lock table, the circuit breaker, and the write-behind machinery.
//
// Outbox: per-session Redis hash of writes owed to the durable tier.
// Entries are added before the queue publish, marked completed after the
// durable write lands, and dead-lettered after the retry budget.
//
// Reconciler: background loop that drains the outbox through the breaker,
// strictly in version order per session.
//
// # Consistency Model
//
// The fast tier is the write point and source of truth for versions; the
// durable tier converges within the reconciliation interval. Reads during
// that window may serve a version the durable tier has not seen yet.
// Strong cross-tier consistency is out of scope.
package authstore
