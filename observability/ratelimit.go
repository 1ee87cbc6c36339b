package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitMetrics counts inbound request admission decisions.
type RateLimitMetrics struct {
	decisions *prometheus.CounterVec
}

var (
	rateLimitMetricsOnce sync.Once
	rateLimitRegistry    *RateLimitMetrics
)

// RateLimit returns the metrics registry tracking stake-weighted admission.
func RateLimit() *RateLimitMetrics {
	rateLimitMetricsOnce.Do(func() {
		rateLimitRegistry = &RateLimitMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sidecar",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Inbound API requests segmented by caller kind and admission outcome.",
			}, []string{"caller", "outcome"}),
		}
		prometheus.MustRegister(rateLimitRegistry.decisions)
	})
	return rateLimitRegistry
}

// RecordDecision counts one admission decision. caller is "staked" or
// "anonymous".
func (m *RateLimitMetrics) RecordDecision(caller string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	m.decisions.WithLabelValues(labelOr(strings.ToLower(strings.TrimSpace(caller)), "anonymous"), outcome).Inc()
}
