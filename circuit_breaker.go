package authstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// breakerMinRequests is the minimum number of calls in the rolling window
// before the error rate is meaningful enough to open the circuit
const breakerMinRequests = 5

// BreakerStats is a point-in-time snapshot of the breaker
type BreakerStats struct {
	State     string  `json:"state"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	ErrorRate float64 `json:"errorRate"`
}

type breakerBucket struct {
	start     time.Time
	successes int
	failures  int
}

// CircuitBreaker shields the durable tier from sustained failure.
//
// States:
//   - closed: normal operation; calls pass through and outcomes are counted
//     in a rolling window. When the window's error rate reaches the
//     threshold the circuit opens.
//   - open: calls fail fast with ErrBreakerOpen. After the reset timeout
//     the next call is allowed through as a probe (half-open).
//   - half-open: a probe success closes the circuit, a failure re-opens it.
//
// Each call runs under the configured per-call timeout; a timeout counts as
// a failure for the error-rate computation.
type CircuitBreaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         string
	buckets       []breakerBucket
	lastOpened    time.Time
	onStateChange func(from, to string)
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker with the given configuration
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}

	return &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Fire runs fn under the per-call timeout if the circuit allows it.
// Returns ErrBreakerOpen without calling fn when the circuit is open.
func (cb *CircuitBreaker) Fire(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return ErrBreakerOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = wrapStorage(ErrTimeout, err)
	}

	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastOpened) > cb.cfg.ResetTimeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
		return false
	default: // closed, half-open
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// a version conflict means the backend answered; only infrastructure
	// failures count against the window
	failed := err != nil && !IsVersionMismatch(err)

	bucket := cb.currentBucket()
	if failed {
		bucket.failures++
	} else {
		bucket.successes++
	}

	switch cb.state {
	case BreakerHalfOpen:
		if failed {
			cb.lastOpened = cb.now()
			cb.setState(BreakerOpen)
		} else {
			cb.buckets = nil
			cb.setState(BreakerClosed)
		}
	case BreakerClosed:
		successes, failures := cb.windowCounts()
		total := successes + failures
		if total >= breakerMinRequests && float64(failures)/float64(total) >= cb.cfg.ErrorThreshold {
			cb.lastOpened = cb.now()
			cb.setState(BreakerOpen)
		}
	}
}

// currentBucket returns the bucket covering now, rotating the ring and
// discarding buckets outside the window. Callers hold cb.mu.
func (cb *CircuitBreaker) currentBucket() *breakerBucket {
	now := cb.now()
	width := cb.cfg.Window / time.Duration(cb.cfg.Buckets)

	if n := len(cb.buckets); n > 0 && now.Sub(cb.buckets[n-1].start) < width {
		return &cb.buckets[n-1]
	}

	cb.buckets = append(cb.buckets, breakerBucket{start: now})

	cutoff := now.Add(-cb.cfg.Window)
	trimmed := cb.buckets[:0]
	for _, b := range cb.buckets {
		if b.start.Add(width).After(cutoff) {
			trimmed = append(trimmed, b)
		}
	}
	cb.buckets = trimmed
	return &cb.buckets[len(cb.buckets)-1]
}

// windowCounts sums outcomes inside the rolling window. Callers hold cb.mu.
func (cb *CircuitBreaker) windowCounts() (successes, failures int) {
	cutoff := cb.now().Add(-cb.cfg.Window)
	width := cb.cfg.Window / time.Duration(cb.cfg.Buckets)
	for _, b := range cb.buckets {
		if b.start.Add(width).After(cutoff) {
			successes += b.successes
			failures += b.failures
		}
	}
	return successes, failures
}

func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// an expired open state reads as half-open even before the next call
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastOpened) > cb.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// IsOpen reports whether calls would currently fail fast
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == BreakerOpen && cb.now().Sub(cb.lastOpened) <= cb.cfg.ResetTimeout
}

// Stats returns a snapshot of the breaker's rolling window
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	successes, failures := cb.windowCounts()
	total := successes + failures

	stats := BreakerStats{
		State:     cb.state,
		Successes: successes,
		Failures:  failures,
	}
	if total > 0 {
		stats.ErrorRate = float64(failures) / float64(total)
	}
	return stats
}

// Reset manually closes the circuit and clears the window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buckets = nil
	cb.setState(BreakerClosed)
}
