package authstore

import (
	"bytes"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const metricsNamespace = "hybrid_auth"

// PrometheusMetrics implements the Metrics interface using Prometheus.
// The mutex guards the vec maps: names outside the default set are
// registered lazily on first use, possibly from concurrent goroutines.
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, a dedicated registry is created so the store's series
// never collide with the application's default registry.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers every standard series of the hybrid store
func (p *PrometheusMetrics) registerDefaultMetrics() {
	sessionCounters := []struct {
		name string
		help string
	}{
		{MetricRedisHits, "Fast-tier read hits"},
		{MetricRedisMisses, "Fast-tier read misses"},
		{MetricMongoFallbacks, "Reads served from the durable tier"},
		{MetricQueuePublishes, "Persistence jobs published to the external queue"},
		{MetricQueueFailures, "Persistence jobs the external queue rejected"},
		{MetricDirectWrites, "Writes applied to the durable tier directly"},
		{MetricVersionConflicts, "Optimistic-locking conflicts"},
		{MetricCacheWarming, "Fast-tier warming attempts"},
	}

	for _, c := range sessionCounters {
		p.counters[c.name] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      c.name,
				Help:      c.help,
			},
			[]string{"session_id"},
		)
	}

	for _, name := range []string{MetricBreakerOpen, MetricBreakerClose, MetricBreakerHalfOpen} {
		p.counters[name] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      "Circuit breaker state transitions",
			},
			[]string{"from_state", "to_state"},
		)
	}

	p.counters[MetricOperationTimeouts] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricOperationTimeouts,
			Help:      "Operations that exceeded their timeout",
		},
		[]string{"operation"},
	)

	p.counters[MetricReconcilerFailures] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricReconcilerFailures,
			Help:      "Outbox entries the reconciler failed to apply",
		},
		[]string{"error_class"},
	)

	p.counters[MetricBatchOperations] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricBatchOperations,
			Help:      "Batch operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	latencyBuckets := []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

	p.histograms[MetricOperationLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricOperationLatency,
			Help:      "Public operation latency in seconds",
			Buckets:   latencyBuckets,
		},
		[]string{"operation", "outcome"},
	)

	p.histograms[MetricReconcilerLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricReconcilerLatency,
			Help:      "Per-entry reconciliation latency in seconds",
			Buckets:   latencyBuckets,
		},
		[]string{"outcome"},
	)

	p.histograms[MetricBatchDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricBatchDuration,
			Help:      "Batch operation duration in seconds",
			Buckets:   latencyBuckets,
		},
		[]string{"operation"},
	)

	p.gauges[MetricOutboxPending] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      MetricOutboxPending,
			Help:      "Pending outbox entries observed at the last scan",
		},
		[]string{},
	)

	p.gauges[MetricDeadLetterSize] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      MetricDeadLetterSize,
			Help:      "Entries in the dead-letter container",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// ScrapeText renders all registered series in the Prometheus text exposition format
func (p *PrometheusMetrics) ScrapeText() (string, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}
