package authstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchDeleteResult partitions a batch delete by outcome
type BatchDeleteResult struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
}

// HybridStore orchestrates the fast and durable tiers.
//
// Reads are read-through: fast tier first, durable tier behind the circuit
// breaker on a miss, with fire-and-forget cache warming. Writes commit to
// the fast tier under a per-session lock and optimistic CAS, then reach the
// durable tier either directly (write-through) or via the outbox and an
// external job queue (write-behind), with the reconciler as the safety net.
type HybridStore struct {
	fast    FastTier
	durable DurableTier
	cfg     HybridConfig
	logger  Logger
	metrics Metrics

	breaker *CircuitBreaker
	locks   *SessionLockTable

	mu         sync.Mutex
	outbox     *Outbox
	reconciler *Reconciler
	connected  bool
	gaugeStop  chan struct{}
	gaugeDone  chan struct{}
}

// New creates a hybrid store over the given tiers. The config is validated;
// nil logger and metrics default to no-ops.
func New(fast FastTier, durable DurableTier, cfg HybridConfig, logger Logger, metrics Metrics) (*HybridStore, error) {
	if fast == nil || durable == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "both tiers are required",
		})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil || !cfg.Observability.EnableMetrics {
		metrics = &NoOpMetrics{}
	}

	s := &HybridStore{
		fast:    fast,
		durable: durable,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		locks:   NewSessionLockTable(cfg.LockTableSize, cfg.LockIdleTTL),
	}

	s.breaker = NewCircuitBreaker(cfg.Breaker).WithStateChangeCallback(func(from, to string) {
		switch to {
		case BreakerOpen:
			s.metrics.Increment(MetricBreakerOpen, "from_state", from, "to_state", to)
			s.logger.Warn("circuit breaker opened", "from", from)
		case BreakerHalfOpen:
			s.metrics.Increment(MetricBreakerHalfOpen, "from_state", from, "to_state", to)
			s.logger.Info("circuit breaker half-open", "from", from)
		case BreakerClosed:
			s.metrics.Increment(MetricBreakerClose, "from_state", from, "to_state", to)
			s.logger.Info("circuit breaker closed", "from", from)
		}
	})

	return s, nil
}

// Connect connects both tiers in order, then starts the write-behind
// machinery when it is configured and the fast tier exposes its connection.
func (s *HybridStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	if err := s.fast.Connect(ctx); err != nil {
		return wrapStorage(ErrHybridStore, err)
	}
	if err := s.durable.Connect(ctx); err != nil {
		return wrapStorage(ErrHybridStore, err)
	}

	if s.cfg.EnableWriteBehind && s.cfg.Queue != nil {
		if rs, ok := s.fast.(*RedisStore); ok {
			s.outbox = NewOutbox(rs.Client(), s.logger)
			s.reconciler = NewReconciler(s.outbox, s.durable, s.breaker,
				s.cfg.ReconcileInterval, s.cfg.ReconcileConcurrency, s.logger, s.metrics)
			s.reconciler.Start()

			if interval := s.cfg.Observability.MetricsInterval; s.cfg.Observability.EnableMetrics && interval > 0 {
				s.gaugeStop = make(chan struct{})
				s.gaugeDone = make(chan struct{})
				go s.gaugeLoop(s.outbox, interval, s.gaugeStop, s.gaugeDone)
			}
		} else {
			s.logger.Warn("write-behind disabled: fast tier does not expose its connection")
		}
	}

	s.connected = true
	s.logger.Info("hybrid store connected",
		"write_behind", s.outbox != nil,
		"encryption", s.cfg.Security.EnableEncryption)
	return nil
}

// Disconnect stops the reconciler and closes the tiers and queue. Close
// errors are logged and absorbed; the connected flag is cleared only when
// every part shut down cleanly.
func (s *HybridStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	reconciler := s.reconciler
	gaugeStop, gaugeDone := s.gaugeStop, s.gaugeDone
	s.reconciler = nil
	s.outbox = nil
	s.gaugeStop = nil
	s.gaugeDone = nil
	s.mu.Unlock()

	if gaugeStop != nil {
		close(gaugeStop)
		<-gaugeDone
	}
	if reconciler != nil {
		reconciler.Stop()
	}

	clean := true
	var wg sync.WaitGroup
	var cleanMu sync.Mutex

	closers := []struct {
		name  string
		close func(context.Context) error
	}{
		{"fast tier", s.fast.Close},
		{"durable tier", s.durable.Close},
	}
	if s.cfg.Queue != nil {
		closers = append(closers, struct {
			name  string
			close func(context.Context) error
		}{"queue", s.cfg.Queue.Close})
	}

	for _, c := range closers {
		wg.Add(1)
		go func(name string, close func(context.Context) error) {
			defer wg.Done()
			if err := close(ctx); err != nil {
				s.logger.Error("close failed during disconnect", "component", name, "error", err)
				cleanMu.Lock()
				clean = false
				cleanMu.Unlock()
			}
		}(c.name, c.close)
	}
	wg.Wait()

	if clean {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.logger.Info("hybrid store disconnected")
	}
	return nil
}

func (s *HybridStore) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// gaugeLoop refreshes the outbox gauges between reconciliation ticks so the
// backlog stays visible at the configured scrape resolution
func (s *HybridStore) gaugeLoop(outbox *Outbox, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			stats, err := outbox.Stats(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("failed to read outbox stats", "error", err)
				continue
			}
			pending := stats.ByStatus[string(OutboxPending)] +
				stats.ByStatus[string(OutboxProcessing)] +
				stats.ByStatus[string(OutboxFailed)]
			s.metrics.Gauge(MetricOutboxPending, float64(pending))
			s.metrics.Gauge(MetricDeadLetterSize, float64(stats.DeadLetterSize))
		}
	}
}

func (s *HybridStore) getOutbox() *Outbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox
}

func (s *HybridStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Resilience.OperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *HybridStore) observe(operation string, start time.Time, err error) {
	outcome := "success"
	switch {
	case IsVersionMismatch(err):
		outcome = "conflict"
	case err != nil:
		outcome = "error"
	}
	s.metrics.Histogram(MetricOperationLatency, time.Since(start).Seconds(),
		"operation", operation, "outcome", outcome)
	if err != nil && (errorClass(err) == "timeout") {
		s.metrics.Increment(MetricOperationTimeouts, "operation", operation)
	}
}

// Get returns the session state, or (nil, nil) when absent. Fast-tier
// errors fall through to the durable tier; durable-tier errors degrade to
// an absent result rather than failing the read.
func (s *HybridStore) Get(ctx context.Context, sessionID string) (rec *Versioned, err error) {
	if !s.isConnected() {
		return nil, ErrNotConnected
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())

	rec, ferr := s.fast.Get(ctx, sessionID)
	if ferr != nil {
		s.logger.Warn("fast tier read failed, falling through", "session_id", sessionID, "error", ferr)
	}
	if rec != nil {
		s.metrics.Increment(MetricRedisHits, "session_id", sessionID)
		if s.cfg.Observability.EnableDetailedLogs {
			s.logger.Debug("read served from fast tier", "session_id", sessionID, "version", rec.Version)
		}
		return rec, nil
	}
	s.metrics.Increment(MetricRedisMisses, "session_id", sessionID)

	var drec *Versioned
	berr := s.breaker.Fire(ctx, func(ctx context.Context) error {
		var err error
		drec, err = s.durable.Get(ctx, sessionID)
		return err
	})
	if berr != nil {
		// degraded read: the caller sees absent, not an error
		s.logger.Warn("durable tier read failed, degrading to absent", "session_id", sessionID, "error", berr)
		return nil, nil
	}
	if drec == nil {
		return nil, nil
	}

	s.metrics.Increment(MetricMongoFallbacks, "session_id", sessionID)
	if s.cfg.Observability.EnableDetailedLogs {
		s.logger.Debug("read served from durable tier", "session_id", sessionID, "version", drec.Version)
	}
	go s.warmCache(sessionID, drec)

	return drec, nil
}

// warmCache installs a durable-tier snapshot into the fast tier in the
// background. Losing to a concurrent writer or any other failure is
// swallowed; the original read already returned.
func (s *HybridStore) warmCache(sessionID string, rec *Versioned) {
	ctx, cancel := s.opContext(context.Background())
	defer cancel()

	s.metrics.Increment(MetricCacheWarming, "session_id", sessionID)
	err := s.fast.WarmSet(ctx, sessionID, rec.Data, rec.Version, rec.UpdatedAt)
	if err != nil && !IsVersionMismatch(err) {
		s.logger.Warn("cache warming failed", "session_id", sessionID, "version", rec.Version, "error", err)
	}
}

// Set merges the patch into the session state under the per-session lock.
// A non-nil expectedVersion turns the write into a CAS; a conflict surfaces
// as a VersionMismatchError unchanged. The durable tier is reached through
// the outbox and queue when write-behind is active, directly otherwise.
func (s *HybridStore) Set(ctx context.Context, sessionID string, patch AuthPatch, expectedVersion *int64, fencingToken string) (result *VersionedResult, err error) {
	if !s.isConnected() {
		return nil, ErrNotConnected
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	defer func(start time.Time) { s.observe("set", start, err) }(time.Now())

	// LockTTL caps how long a writer may queue behind the session lock
	lockCtx := ctx
	if s.cfg.TTL.LockTTL > 0 {
		var lockCancel context.CancelFunc
		lockCtx, lockCancel = context.WithTimeout(ctx, s.cfg.TTL.LockTTL)
		defer lockCancel()
	}

	err = s.locks.RunExclusive(lockCtx, sessionID, func() error {
		patch = ReviveBuffers(patch)
		if err := ValidatePatchBuffers(patch); err != nil {
			return err
		}

		res, err := s.fast.Set(ctx, sessionID, patch, expectedVersion)
		if err != nil {
			if IsVersionMismatch(err) {
				s.metrics.Increment(MetricVersionConflicts, "session_id", sessionID)
				return err
			}
			return wrapStorage(ErrHybridStore, err)
		}

		if err := s.persistBehind(ctx, sessionID, patch, res.Version, fencingToken); err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// persistBehind routes the committed fast-tier write to the durable tier:
// outbox + queue when write-behind is active, direct write otherwise.
func (s *HybridStore) persistBehind(ctx context.Context, sessionID string, patch AuthPatch, version int64, fencingToken string) error {
	outbox := s.getOutbox()

	if outbox != nil {
		if err := outbox.Add(ctx, sessionID, patch, version, fencingToken); err != nil {
			return wrapStorage(ErrHybridStore, err)
		}

		payload := PersistJobPayload{
			SessionID:    sessionID,
			Patch:        patch,
			Version:      version,
			FencingToken: fencingToken,
			Timestamp:    time.Now().UTC(),
		}
		qerr := s.cfg.Queue.Add(ctx, PersistJobName, payload)
		if qerr == nil {
			s.metrics.Increment(MetricQueuePublishes, "session_id", sessionID)
			return nil
		}
		s.metrics.Increment(MetricQueueFailures, "session_id", sessionID)
		s.logger.Warn("queue publish failed, writing durable directly", "session_id", sessionID, "version", version, "error", qerr)

		// fallback: bypass the queue but keep the outbox bookkeeping
		if err := s.writeDurable(ctx, sessionID, patch, version, fencingToken); err != nil {
			// the entry stays in the outbox; the reconciler will land it
			s.logger.Warn("direct durable fallback failed, leaving entry for reconciler", "session_id", sessionID, "version", version, "error", err)
			return nil
		}
		if err := outbox.MarkCompleted(ctx, sessionID, version); err != nil {
			s.logger.Warn("failed to complete outbox entry after direct write", "session_id", sessionID, "version", version, "error", err)
		}
		return nil
	}

	if err := s.writeDurable(ctx, sessionID, patch, version, fencingToken); err != nil {
		if IsVersionMismatch(err) {
			return err
		}
		return wrapStorage(ErrHybridStore, err)
	}
	s.metrics.Increment(MetricDirectWrites, "session_id", sessionID)
	return nil
}

func (s *HybridStore) writeDurable(ctx context.Context, sessionID string, patch AuthPatch, version int64, fencingToken string) error {
	return s.breaker.Fire(ctx, func(ctx context.Context) error {
		_, err := s.durable.Upsert(ctx, sessionID, patch, version-1, fencingToken)
		return err
	})
}

// Delete removes the session from both tiers in parallel and purges its
// outbox container so the reconciler cannot resurrect the deleted state.
// A single tier failing logs a warning and still succeeds; both failing is
// an error.
func (s *HybridStore) Delete(ctx context.Context, sessionID string) (err error) {
	if !s.isConnected() {
		return ErrNotConnected
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())

	err = s.applyBoth(ctx, "delete", sessionID,
		func(ctx context.Context) error { return s.fast.Delete(ctx, sessionID) },
		func(ctx context.Context) error { return s.durable.Delete(ctx, sessionID) },
	)
	if err != nil {
		return err
	}

	if outbox := s.getOutbox(); outbox != nil {
		if perr := outbox.PurgeSession(ctx, sessionID); perr != nil {
			s.logger.Warn("failed to purge outbox on delete", "session_id", sessionID, "error", perr)
		}
	}
	return nil
}

// Touch extends the session's expiration in both tiers in parallel, with
// the same partial-failure policy as Delete. ttl <= 0 means the default.
func (s *HybridStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) (err error) {
	if !s.isConnected() {
		return ErrNotConnected
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	defer func(start time.Time) { s.observe("touch", start, err) }(time.Now())

	return s.applyBoth(ctx, "touch", sessionID,
		func(ctx context.Context) error { return s.fast.Touch(ctx, sessionID, ttl) },
		func(ctx context.Context) error { return s.durable.Touch(ctx, sessionID, ttl) },
	)
}

func (s *HybridStore) applyBoth(ctx context.Context, op, sessionID string, fastFn, durableFn func(context.Context) error) error {
	var wg sync.WaitGroup
	var fastErr, durableErr error

	wg.Add(2)
	go func() { defer wg.Done(); fastErr = fastFn(ctx) }()
	go func() { defer wg.Done(); durableErr = durableFn(ctx) }()
	wg.Wait()

	switch {
	case fastErr != nil && durableErr != nil:
		return wrapStorage(ErrHybridStore, fmt.Errorf("%s failed on both tiers: fast: %v; durable: %v", op, fastErr, durableErr))
	case fastErr != nil:
		s.logger.Warn("partial success: fast tier failed", "operation", op, "session_id", sessionID, "error", fastErr)
	case durableErr != nil:
		s.logger.Warn("partial success: durable tier failed", "operation", op, "session_id", sessionID, "error", durableErr)
	}
	return nil
}

// Exists reports whether the session has state in either tier
func (s *HybridStore) Exists(ctx context.Context, sessionID string) (ok bool, err error) {
	if !s.isConnected() {
		return false, ErrNotConnected
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	defer func(start time.Time) { s.observe("exists", start, err) }(time.Now())

	ok, ferr := s.fast.Exists(ctx, sessionID)
	if ferr == nil && ok {
		return true, nil
	}
	if ferr != nil {
		s.logger.Warn("fast tier exists check failed, consulting durable", "session_id", sessionID, "error", ferr)
	}

	ok, derr := s.durable.Exists(ctx, sessionID)
	if derr != nil {
		return false, wrapStorage(ErrHybridStore, derr)
	}
	return ok, nil
}

// BatchGet reads many sessions at once. Absent sessions map to nil; per-id
// durable failures degrade to nil like Get.
func (s *HybridStore) BatchGet(ctx context.Context, sessionIDs []string) (map[string]*Versioned, error) {
	if !s.isConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	results := make(map[string]*Versioned, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return results, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	outcome := "success"
	for _, id := range sessionIDs {
		rec, err := s.Get(ctx, id)
		if err != nil {
			outcome = "partial"
			s.logger.Warn("batch get entry failed", "session_id", id, "error", err)
			results[id] = nil
			continue
		}
		results[id] = rec
	}

	s.metrics.Increment(MetricBatchOperations, "operation", "get", "outcome", outcome)
	s.metrics.Histogram(MetricBatchDuration, time.Since(start).Seconds(), "operation", "get")
	return results, nil
}

// BatchDelete deletes many sessions, partitioning ids by outcome instead of
// aborting on the first failure
func (s *HybridStore) BatchDelete(ctx context.Context, sessionIDs []string) (*BatchDeleteResult, error) {
	if !s.isConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	result := &BatchDeleteResult{}
	if len(sessionIDs) == 0 {
		return result, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for _, id := range sessionIDs {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("batch delete entry failed", "session_id", id, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Successful = append(result.Successful, id)
	}

	outcome := "success"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	s.metrics.Increment(MetricBatchOperations, "operation", "delete", "outcome", outcome)
	s.metrics.Histogram(MetricBatchDuration, time.Since(start).Seconds(), "operation", "delete")
	return result, nil
}

// IsHealthy reports whether the store is connected and both tiers respond
func (s *HybridStore) IsHealthy(ctx context.Context) bool {
	if !s.isConnected() {
		return false
	}
	return s.fast.IsHealthy(ctx) && s.durable.IsHealthy(ctx)
}

// GetMetricsText renders the Prometheus scrape text when the store was
// built with PrometheusMetrics, empty otherwise
func (s *HybridStore) GetMetricsText() (string, error) {
	if pm, ok := s.metrics.(*PrometheusMetrics); ok {
		return pm.ScrapeText()
	}
	return "", nil
}

// GetCircuitBreakerStats returns the breaker's rolling-window snapshot
func (s *HybridStore) GetCircuitBreakerStats() BreakerStats {
	return s.breaker.Stats()
}

// IsBreakerOpen reports whether durable-tier calls currently fail fast
func (s *HybridStore) IsBreakerOpen() bool {
	return s.breaker.IsOpen()
}

// GetOutboxStats summarizes the write-behind backlog. Returns nil stats
// when write-behind is not active.
func (s *HybridStore) GetOutboxStats(ctx context.Context) (*OutboxStats, error) {
	outbox := s.getOutbox()
	if outbox == nil {
		return nil, nil
	}
	return outbox.Stats(ctx)
}

// GetReconcilerStats returns cumulative reconciliation counters. Zero-value
// stats when write-behind is not active.
func (s *HybridStore) GetReconcilerStats() ReconcilerStats {
	s.mu.Lock()
	reconciler := s.reconciler
	s.mu.Unlock()
	if reconciler == nil {
		return ReconcilerStats{}
	}
	return reconciler.Stats()
}

// ReconcileOutbox triggers one synchronous reconciliation pass
func (s *HybridStore) ReconcileOutbox(ctx context.Context) error {
	s.mu.Lock()
	reconciler := s.reconciler
	s.mu.Unlock()
	if reconciler == nil {
		return nil
	}
	return reconciler.RunOnce(ctx)
}
