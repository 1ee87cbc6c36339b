package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sidecarMetricsOnce sync.Once
	sidecarRegistry    *SidecarMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics
)

// SidecarMetrics wraps collectors tracking registry freshness and weight
// submissions.
type SidecarMetrics struct {
	syncs         *prometheus.CounterVec
	syncLatency   *prometheus.HistogramVec
	snapshotBlock prometheus.Gauge
	snapshotNodes prometheus.Gauge
	snapshotAt    prometheus.Gauge
	submissions   *prometheus.CounterVec
	remaining     prometheus.Gauge
}

// Sidecar returns the lazily initialised sidecar metrics registry.
func Sidecar() *SidecarMetrics {
	sidecarMetricsOnce.Do(func() {
		sidecarRegistry = &SidecarMetrics{
			syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sidecar",
				Subsystem: "registry",
				Name:      "syncs_total",
				Help:      "Registry sync attempts segmented by trigger and outcome.",
			}, []string{"trigger", "outcome"}),
			syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sidecar",
				Subsystem: "registry",
				Name:      "sync_duration_seconds",
				Help:      "Latency distribution for registry fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"trigger"}),
			snapshotBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sidecar",
				Subsystem: "registry",
				Name:      "snapshot_block",
				Help:      "Block height of the installed registry snapshot.",
			}),
			snapshotNodes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sidecar",
				Subsystem: "registry",
				Name:      "snapshot_nodes",
				Help:      "Number of uid slots in the installed registry snapshot.",
			}),
			snapshotAt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sidecar",
				Subsystem: "registry",
				Name:      "snapshot_installed_timestamp_seconds",
				Help:      "Unix time at which the current snapshot was installed.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sidecar",
				Subsystem: "weights",
				Name:      "submissions_total",
				Help:      "Weight submission requests segmented by outcome.",
			}, []string{"outcome"}),
			remaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sidecar",
				Subsystem: "weights",
				Name:      "tempo_remaining_blocks",
				Help:      "Blocks remaining before the identity may submit weights again, as of the last check.",
			}),
		}
		prometheus.MustRegister(
			sidecarRegistry.syncs,
			sidecarRegistry.syncLatency,
			sidecarRegistry.snapshotBlock,
			sidecarRegistry.snapshotNodes,
			sidecarRegistry.snapshotAt,
			sidecarRegistry.submissions,
			sidecarRegistry.remaining,
		)
	})
	return sidecarRegistry
}

// ObserveSync records one registry fetch attempt.
func (m *SidecarMetrics) ObserveSync(trigger string, d time.Duration, err error) {
	if m == nil {
		return
	}
	trigger = labelOr(trigger, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.syncs.WithLabelValues(trigger, outcome).Inc()
	m.syncLatency.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordSnapshot updates the installed snapshot gauges.
func (m *SidecarMetrics) RecordSnapshot(block uint64, nodes int) {
	if m == nil {
		return
	}
	m.snapshotBlock.Set(float64(block))
	m.snapshotNodes.Set(float64(nodes))
	m.snapshotAt.SetToCurrentTime()
}

// RecordSubmission increments the submission counter. Outcomes should be
// stable strings such as "submitted", "rejected", "throttled" or "failed".
func (m *SidecarMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelOr(outcome, "unspecified")).Inc()
}

// RecordRemainingBlocks sets the tempo remaining gauge.
func (m *SidecarMetrics) RecordRemainingBlocks(remaining uint64) {
	if m == nil {
		return
	}
	m.remaining.Set(float64(remaining))
}

// ChainMetrics captures latency and failures of calls into the chain bridge.
type ChainMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Chain returns the singleton registry for chain client instrumentation.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sidecar",
				Subsystem: "chain",
				Name:      "calls_total",
				Help:      "Chain bridge calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sidecar",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for chain bridge calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(chainRegistry.calls, chainRegistry.latency)
	})
	return chainRegistry
}

// Observe records the execution of a chain bridge call.
func (m *ChainMetrics) Observe(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	method = labelOr(method, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
