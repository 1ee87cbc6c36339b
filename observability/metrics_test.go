package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSidecarMetricsRecordOutcomes(t *testing.T) {
	m := Sidecar()
	require.Same(t, m, Sidecar())

	before := testutil.ToFloat64(m.submissions.WithLabelValues("throttled"))
	m.RecordSubmission("throttled")
	require.Equal(t, before+1, testutil.ToFloat64(m.submissions.WithLabelValues("throttled")))

	failures := testutil.ToFloat64(m.syncs.WithLabelValues("periodic", "error"))
	m.ObserveSync("periodic", time.Millisecond, errors.New("boom"))
	require.Equal(t, failures+1, testutil.ToFloat64(m.syncs.WithLabelValues("periodic", "error")))

	m.RecordSnapshot(4242, 3)
	require.Equal(t, float64(4242), testutil.ToFloat64(m.snapshotBlock))
	require.Equal(t, float64(3), testutil.ToFloat64(m.snapshotNodes))

	m.RecordRemainingBlocks(60)
	require.Equal(t, float64(60), testutil.ToFloat64(m.remaining))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SidecarMetrics
	m.RecordSubmission("failed")
	m.ObserveSync("startup", time.Second, nil)
	m.RecordSnapshot(1, 1)
	m.RecordRemainingBlocks(1)

	var c *ChainMetrics
	c.Observe("latest_block", time.Second, nil)

	var r *RateLimitMetrics
	r.RecordDecision("staked", true)
}

func TestRateLimitMetricsRecordDecision(t *testing.T) {
	r := RateLimit()
	require.Same(t, r, RateLimit())

	limited := testutil.ToFloat64(r.decisions.WithLabelValues("anonymous", "limited"))
	r.RecordDecision("", false)
	require.Equal(t, limited+1, testutil.ToFloat64(r.decisions.WithLabelValues("anonymous", "limited")))

	allowed := testutil.ToFloat64(r.decisions.WithLabelValues("staked", "allowed"))
	r.RecordDecision(" Staked ", true)
	require.Equal(t, allowed+1, testutil.ToFloat64(r.decisions.WithLabelValues("staked", "allowed")))
}

func TestChainMetricsLabelsEmptyMethod(t *testing.T) {
	c := Chain()
	before := testutil.ToFloat64(c.calls.WithLabelValues("unknown", "error"))
	c.Observe(" ", time.Millisecond, errors.New("down"))
	require.Equal(t, before+1, testutil.ToFloat64(c.calls.WithLabelValues("unknown", "error")))
}
