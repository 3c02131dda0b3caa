package authstore

import (
	"sync"
	"time"
)

// Metrics provides observability for store operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter (test helper)
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// GaugeValue returns the last value set on a gauge (test helper)
func (m *InMemoryMetrics) GaugeValue(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Gauges[name]
}

// Common metric names
const (
	MetricRedisHits          = "redis_hits_total"
	MetricRedisMisses        = "redis_misses_total"
	MetricMongoFallbacks     = "mongo_fallbacks_total"
	MetricQueuePublishes     = "queue_publishes_total"
	MetricQueueFailures      = "queue_failures_total"
	MetricDirectWrites       = "direct_writes_total"
	MetricBreakerOpen        = "circuit_breaker_open_total"
	MetricBreakerClose       = "circuit_breaker_close_total"
	MetricBreakerHalfOpen    = "circuit_breaker_halfopen_total"
	MetricVersionConflicts   = "version_conflicts_total"
	MetricCacheWarming       = "cache_warming_total"
	MetricOperationTimeouts  = "operation_timeouts_total"
	MetricReconcilerFailures = "outbox_reconciler_failures_total"
	MetricBatchOperations    = "batch_operations_total"

	MetricOperationLatency  = "operation_latency_seconds"
	MetricReconcilerLatency = "outbox_reconciler_latency_seconds"
	MetricBatchDuration     = "batch_operations_duration_seconds"

	MetricOutboxPending  = "outbox_pending_entries"
	MetricDeadLetterSize = "outbox_dead_letter_entries"
)
