package authstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ReconcilerStats tracks cumulative reconciliation work
type ReconcilerStats struct {
	Ticks        int64         `json:"ticks"`
	Processed    int64         `json:"processed"`
	Completed    int64         `json:"completed"`
	Failed       int64         `json:"failed"`
	DeadLettered int64         `json:"deadLettered"`
	LastRun      time.Time     `json:"lastRun"`
	LastDuration time.Duration `json:"lastDuration"`
}

// Reconciler drains the outbox into the durable tier in the background.
//
// Each tick lists sessions with pending entries and replays them through
// the circuit breaker. Sessions run concurrently up to the configured
// limit; within one session entries replay strictly in ascending version
// order, and the first failure stops that session for the tick so a later
// version never lands before an earlier one.
type Reconciler struct {
	outbox      *Outbox
	durable     DurableTier
	breaker     *CircuitBreaker
	interval    time.Duration
	concurrency int
	logger      Logger
	metrics     Metrics

	mu      sync.Mutex
	stats   ReconcilerStats
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewReconciler creates a reconciler. Zero interval and concurrency select
// the defaults (30 seconds, 10 sessions in flight).
func NewReconciler(outbox *Outbox, durable DurableTier, breaker *CircuitBreaker, interval time.Duration, concurrency int, logger Logger, metrics Metrics) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Reconciler{
		outbox:      outbox,
		durable:     durable,
		breaker:     breaker,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
	}
}

// Start launches the background loop. Calling Start on a running
// reconciler is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop(r.stopCh, r.doneCh)
	r.logger.Info("reconciler started", "interval", r.interval, "concurrency", r.concurrency)
}

// Stop halts the loop and waits for an in-flight tick to finish
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation tick failed", "error", err)
			}
			cancel()
		}
	}
}

// RunOnce performs a single reconciliation pass over every session with
// outstanding entries, then sweeps completed entries past the grace period.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	runID := uuid.NewString()
	start := time.Now()

	sessions, err := r.outbox.ListSessions(ctx)
	if err != nil {
		r.metrics.Increment(MetricReconcilerFailures, "error_class", "list_sessions")
		return err
	}

	if len(sessions) > 0 {
		r.logger.Debug("reconciliation pass starting", "run_id", runID, "sessions", len(sessions))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, sessionID := range sessions {
		sessionID := sessionID
		g.Go(func() error {
			r.reconcileSession(gctx, runID, sessionID)
			return nil
		})
	}
	_ = g.Wait()

	if removed, err := r.outbox.Cleanup(ctx); err != nil {
		r.logger.Warn("outbox cleanup failed", "run_id", runID, "error", err)
	} else if removed > 0 {
		r.logger.Debug("outbox cleanup removed entries", "run_id", runID, "removed", removed)
	}

	r.publishGauges(ctx)

	elapsed := time.Since(start)
	r.mu.Lock()
	r.stats.Ticks++
	r.stats.LastRun = start.UTC()
	r.stats.LastDuration = elapsed
	r.mu.Unlock()

	return nil
}

// reconcileSession replays one session's entries in version order, stopping
// at the first entry that cannot land.
func (r *Reconciler) reconcileSession(ctx context.Context, runID, sessionID string) {
	entries, err := r.outbox.GetPending(ctx, sessionID)
	if err != nil {
		r.logger.Warn("failed to read pending entries", "run_id", runID, "session_id", sessionID, "error", err)
		r.metrics.Increment(MetricReconcilerFailures, "error_class", "get_pending")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !r.replayEntry(ctx, runID, entry) {
			return
		}
	}
}

// replayEntry attempts one durable write. Returns false when the session
// should stop for this tick.
func (r *Reconciler) replayEntry(ctx context.Context, runID string, entry *OutboxEntry) bool {
	if err := r.outbox.MarkProcessing(ctx, entry.SessionID, entry.Version); err != nil {
		r.logger.Warn("failed to mark entry processing", "run_id", runID, "entry_id", entry.ID, "error", err)
		return false
	}

	r.mu.Lock()
	r.stats.Processed++
	r.mu.Unlock()

	start := time.Now()
	err := r.breaker.Fire(ctx, func(ctx context.Context) error {
		_, err := r.durable.Upsert(ctx, entry.SessionID, entry.Patch, entry.Version-1, entry.FencingToken)
		return err
	})
	r.metrics.Histogram(MetricReconcilerLatency, time.Since(start).Seconds(),
		"outcome", replayOutcome(err))

	switch {
	case err == nil:
		r.markDone(ctx, runID, entry)
		return true

	case IsVersionMismatch(err):
		// the durable tier is already at or past this version; the write
		// landed through another path
		r.logger.Debug("entry already durable", "run_id", runID, "entry_id", entry.ID)
		r.markDone(ctx, runID, entry)
		return true

	case IsBreakerOpen(err):
		// no attempt was made; requeue without charging the retry budget
		if err := r.outbox.MarkPending(ctx, entry.SessionID, entry.Version); err != nil {
			r.logger.Warn("failed to requeue entry", "run_id", runID, "entry_id", entry.ID, "error", err)
		}
		r.metrics.Increment(MetricReconcilerFailures, "error_class", "breaker_open")
		return false

	default:
		r.handleFailure(ctx, runID, entry, err)
		return false
	}
}

func (r *Reconciler) markDone(ctx context.Context, runID string, entry *OutboxEntry) {
	if err := r.outbox.MarkCompleted(ctx, entry.SessionID, entry.Version); err != nil {
		r.logger.Warn("failed to mark entry completed", "run_id", runID, "entry_id", entry.ID, "error", err)
		return
	}
	r.mu.Lock()
	r.stats.Completed++
	r.mu.Unlock()
}

func (r *Reconciler) handleFailure(ctx context.Context, runID string, entry *OutboxEntry, cause error) {
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()
	r.metrics.Increment(MetricReconcilerFailures, "error_class", errorClass(cause))

	if entry.Attempts+1 >= OutboxMaxAttempts {
		r.logger.Error("entry exhausted retries, moving to dead letter",
			"run_id", runID, "entry_id", entry.ID, "attempts", entry.Attempts+1, "error", cause)
		if err := r.outbox.MoveToDeadLetter(ctx, entry, cause); err != nil {
			r.logger.Error("failed to dead-letter entry", "run_id", runID, "entry_id", entry.ID, "error", err)
			return
		}
		r.mu.Lock()
		r.stats.DeadLettered++
		r.mu.Unlock()
		return
	}

	r.logger.Warn("durable replay failed",
		"run_id", runID, "entry_id", entry.ID, "attempts", entry.Attempts+1, "error", cause)
	if err := r.outbox.MarkFailed(ctx, entry.SessionID, entry.Version, cause); err != nil {
		r.logger.Warn("failed to mark entry failed", "run_id", runID, "entry_id", entry.ID, "error", err)
	}
}

func (r *Reconciler) publishGauges(ctx context.Context) {
	stats, err := r.outbox.Stats(ctx)
	if err != nil {
		r.logger.Debug("failed to read outbox stats", "error", err)
		return
	}
	pending := stats.ByStatus[string(OutboxPending)] +
		stats.ByStatus[string(OutboxProcessing)] +
		stats.ByStatus[string(OutboxFailed)]
	r.metrics.Gauge(MetricOutboxPending, float64(pending))
	r.metrics.Gauge(MetricDeadLetterSize, float64(stats.DeadLetterSize))
}

// Stats returns a snapshot of cumulative reconciliation counters
func (r *Reconciler) Stats() ReconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func replayOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsVersionMismatch(err):
		return "already_durable"
	case IsBreakerOpen(err):
		return "breaker_open"
	default:
		return "failure"
	}
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsBreakerOpen(err):
		return "breaker_open"
	case IsVersionMismatch(err):
		return "version_mismatch"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "durable"
	}
}
