package infer

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountersAccumulatePerKindAndServer(t *testing.T) {
	c := NewCollector()

	c.RecordRequest(CodeAnalysis, "d1:8002")
	c.RecordRequest(CodeAnalysis, "d1:8002")
	c.RecordFailure(CodeAnalysis, "d1:8002")
	c.RecordRequest(Feedback, "d2:8002")
	c.RecordPrefill(CodeAnalysis, "p1:8001", 120, 42.0)
	c.RecordDecode(CodeAnalysis, "d1:8002", 256, 900.0)

	snap := c.SnapshotMetrics()

	code := snap.Counters[MetricsKey{Kind: CodeAnalysis, Server: "d1:8002"}]
	assert.Equal(t, uint64(2), code.RequestsTotal)
	assert.Equal(t, uint64(1), code.RequestsFailed)
	assert.Equal(t, uint64(256), code.DecodeTokensTotal)

	prefill := snap.Counters[MetricsKey{Kind: CodeAnalysis, Server: "p1:8001"}]
	assert.Equal(t, uint64(120), prefill.PrefillTokensTotal)

	fb := snap.Counters[MetricsKey{Kind: Feedback, Server: "d2:8002"}]
	assert.Equal(t, uint64(1), fb.RequestsTotal)
}

func TestCollector_HistogramBucketsAndMean(t *testing.T) {
	c := NewCollector()
	k := MetricsKey{Kind: CodeAnalysis, Server: "d1:8002"}

	// Latencies chosen to land in known buckets of latencyBucketsMs.
	c.RecordEndToEnd(CodeAnalysis, "d1:8002", 3)    // <= 5
	c.RecordEndToEnd(CodeAnalysis, "d1:8002", 7)    // <= 10
	c.RecordEndToEnd(CodeAnalysis, "d1:8002", 7000) // <= 10000

	h := c.SnapshotMetrics().EndToEndMs[k]
	require.Equal(t, uint64(3), h.Count)
	assert.InDelta(t, 7010.0, h.Sum, 1e-9)
	require.Len(t, h.Counts, len(h.Bounds)+1)
	assert.Equal(t, uint64(1), h.Counts[0])
	assert.Equal(t, uint64(1), h.Counts[1])
}

func TestCollector_SnapshotIsDeepCopy(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(CodeAnalysis, "d1")
	before := c.SnapshotMetrics()

	// WHEN the collector keeps accumulating
	c.RecordRequest(CodeAnalysis, "d1")

	// THEN the earlier snapshot is unchanged
	assert.Equal(t, uint64(1), before.Counters[MetricsKey{Kind: CodeAnalysis, Server: "d1"}].RequestsTotal)
	assert.Equal(t, uint64(2), c.SnapshotMetrics().Counters[MetricsKey{Kind: CodeAnalysis, Server: "d1"}].RequestsTotal)
}

func TestCollector_PrometheusEndpointExposesSeries(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(CodeAnalysis, "d1:8002")
	c.RecordDecode(CodeAnalysis, "d1:8002", 10, 150.0)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "duograde_requests_total"), "missing requests counter in scrape:\n%s", text)
	assert.True(t, strings.Contains(text, "duograde_decode_ms"), "missing decode histogram in scrape")
	assert.True(t, strings.Contains(text, `model_kind="code_analysis"`), "missing model_kind label")
}

func TestCollector_PrivateRegistriesDoNotCollide(t *testing.T) {
	// Two collectors in one process must both register cleanly.
	a := NewCollector()
	b := NewCollector()
	a.RecordRequest(CodeAnalysis, "x")
	b.RecordRequest(CodeAnalysis, "x")
	assert.Equal(t, uint64(1), a.SnapshotMetrics().Counters[MetricsKey{Kind: CodeAnalysis, Server: "x"}].RequestsTotal)
}
