package authstore

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusMetrics_ConcurrentDynamicRegistration(t *testing.T) {
	pm := NewPrometheusMetrics(prometheus.NewRegistry())

	// All goroutines race on names outside the default set; registration
	// must happen exactly once per name
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.Increment("custom_events_total", "kind", "replay")
			pm.Gauge("custom_backlog", 3, "kind", "replay")
			pm.Histogram("custom_duration_seconds", 0.01, "kind", "replay")
		}()
	}
	wg.Wait()

	text, err := pm.ScrapeText()
	if err != nil {
		t.Fatalf("ScrapeText: %v", err)
	}
	for _, series := range []string{
		"hybrid_auth_custom_events_total",
		"hybrid_auth_custom_backlog",
		"hybrid_auth_custom_duration_seconds",
	} {
		if !strings.Contains(text, series) {
			t.Errorf("scrape text missing %s", series)
		}
	}
}
