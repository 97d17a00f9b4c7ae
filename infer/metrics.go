// Per-request counters, timings, and throughput keyed by (model kind,
// server). The collector serves two consumers: a read-only Snapshot for the
// grading result assembly, and a prometheus registry scraped in serve mode.
// No persistence; counters reset with the process.

package infer

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBucketsMs covers health probes (~ms) through decode calls (~3min).
var latencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 180000}

type metricKey struct {
	Kind   ModelKind
	Server string
}

// CounterSnapshot is the per-key counter state at snapshot time.
type CounterSnapshot struct {
	RequestsTotal      uint64 `json:"requests_total"`
	RequestsFailed     uint64 `json:"requests_failed"`
	PrefillTokensTotal uint64 `json:"prefill_tokens_total"`
	DecodeTokensTotal  uint64 `json:"decode_tokens_total"`
}

// HistogramSnapshot is a copied histogram: cumulative-free bucket counts
// aligned with Bounds, plus sum/count for mean derivation.
type HistogramSnapshot struct {
	Bounds []float64 `json:"bounds_ms"`
	Counts []uint64  `json:"counts"`
	Sum    float64   `json:"sum_ms"`
	Count  uint64    `json:"count"`
}

// MetricsKey is the exported snapshot key.
type MetricsKey struct {
	Kind   ModelKind `json:"model_kind"`
	Server string    `json:"server"`
}

// Snapshot is a deep copy of all collector state.
type Snapshot struct {
	Counters   map[MetricsKey]CounterSnapshot   `json:"counters"`
	PrefillMs  map[MetricsKey]HistogramSnapshot `json:"prefill_ms"`
	DecodeMs   map[MetricsKey]HistogramSnapshot `json:"decode_ms"`
	EndToEndMs map[MetricsKey]HistogramSnapshot `json:"end_to_end_ms"`
}

type counterSet struct {
	requestsTotal      uint64
	requestsFailed     uint64
	prefillTokensTotal uint64
	decodeTokensTotal  uint64
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]uint64, len(latencyBucketsMs)+1)}
}

func (h *histogram) observe(ms float64) {
	i := 0
	for i < len(latencyBucketsMs) && ms > latencyBucketsMs[i] {
		i++
	}
	h.counts[i]++
	h.sum += ms
	h.count++
}

func (h *histogram) snapshot() HistogramSnapshot {
	counts := make([]uint64, len(h.counts))
	copy(counts, h.counts)
	return HistogramSnapshot{Bounds: latencyBucketsMs, Counts: counts, Sum: h.sum, Count: h.count}
}

// Collector accumulates counters and histograms. Safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	counters   map[metricKey]*counterSet
	prefillMs  map[metricKey]*histogram
	decodeMs   map[metricKey]*histogram
	endToEndMs map[metricKey]*histogram

	registry       *prometheus.Registry
	promRequests   *prometheus.CounterVec
	promFailed     *prometheus.CounterVec
	promPrefillTok *prometheus.CounterVec
	promDecodeTok  *prometheus.CounterVec
	promPrefillMs  *prometheus.HistogramVec
	promDecodeMs   *prometheus.HistogramVec
	promEndToEndMs *prometheus.HistogramVec
}

// NewCollector builds a collector with a private prometheus registry, so
// multiple collectors (tests, one-shot runs) never collide on registration.
func NewCollector() *Collector {
	labels := []string{"model_kind", "server"}
	c := &Collector{
		counters:   make(map[metricKey]*counterSet),
		prefillMs:  make(map[metricKey]*histogram),
		decodeMs:   make(map[metricKey]*histogram),
		endToEndMs: make(map[metricKey]*histogram),
		registry:   prometheus.NewRegistry(),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duograde_requests_total",
			Help: "Total generate calls routed, by model kind and decode server.",
		}, labels),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duograde_requests_failed_total",
			Help: "Generate calls that returned an error.",
		}, labels),
		promPrefillTok: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duograde_prefill_tokens_total",
			Help: "Prompt tokens processed by prefill servers.",
		}, labels),
		promDecodeTok: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duograde_decode_tokens_total",
			Help: "Completion tokens generated by decode servers.",
		}, labels),
		promPrefillMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duograde_prefill_ms",
			Help:    "Prefill phase latency in milliseconds.",
			Buckets: latencyBucketsMs,
		}, labels),
		promDecodeMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duograde_decode_ms",
			Help:    "Decode phase latency in milliseconds.",
			Buckets: latencyBucketsMs,
		}, labels),
		promEndToEndMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duograde_end_to_end_ms",
			Help:    "End-to-end generate latency in milliseconds.",
			Buckets: latencyBucketsMs,
		}, labels),
	}
	c.registry.MustRegister(
		c.promRequests, c.promFailed, c.promPrefillTok, c.promDecodeTok,
		c.promPrefillMs, c.promDecodeMs, c.promEndToEndMs,
	)
	return c
}

// Handler exposes the prometheus scrape endpoint for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) counterSetLocked(k metricKey) *counterSet {
	cs, ok := c.counters[k]
	if !ok {
		cs = &counterSet{}
		c.counters[k] = cs
	}
	return cs
}

func histLocked(m map[metricKey]*histogram, k metricKey) *histogram {
	h, ok := m[k]
	if !ok {
		h = newHistogram()
		m[k] = h
	}
	return h
}

// RecordRequest counts one generate call against its decode server.
func (c *Collector) RecordRequest(kind ModelKind, server string) {
	k := metricKey{kind, server}
	c.mu.Lock()
	c.counterSetLocked(k).requestsTotal++
	c.mu.Unlock()
	c.promRequests.WithLabelValues(string(kind), server).Inc()
}

// RecordFailure counts one failed generate call.
func (c *Collector) RecordFailure(kind ModelKind, server string) {
	k := metricKey{kind, server}
	c.mu.Lock()
	c.counterSetLocked(k).requestsFailed++
	c.mu.Unlock()
	c.promFailed.WithLabelValues(string(kind), server).Inc()
}

// RecordPrefill accumulates prompt tokens and prefill latency.
func (c *Collector) RecordPrefill(kind ModelKind, server string, tokens int, ms float64) {
	k := metricKey{kind, server}
	c.mu.Lock()
	c.counterSetLocked(k).prefillTokensTotal += uint64(tokens)
	histLocked(c.prefillMs, k).observe(ms)
	c.mu.Unlock()
	c.promPrefillTok.WithLabelValues(string(kind), server).Add(float64(tokens))
	c.promPrefillMs.WithLabelValues(string(kind), server).Observe(ms)
}

// RecordDecode accumulates completion tokens and decode latency.
func (c *Collector) RecordDecode(kind ModelKind, server string, tokens int, ms float64) {
	k := metricKey{kind, server}
	c.mu.Lock()
	c.counterSetLocked(k).decodeTokensTotal += uint64(tokens)
	histLocked(c.decodeMs, k).observe(ms)
	c.mu.Unlock()
	c.promDecodeTok.WithLabelValues(string(kind), server).Add(float64(tokens))
	c.promDecodeMs.WithLabelValues(string(kind), server).Observe(ms)
}

// RecordEndToEnd accumulates whole-call latency against the decode server.
func (c *Collector) RecordEndToEnd(kind ModelKind, server string, ms float64) {
	k := metricKey{kind, server}
	c.mu.Lock()
	histLocked(c.endToEndMs, k).observe(ms)
	c.mu.Unlock()
	c.promEndToEndMs.WithLabelValues(string(kind), server).Observe(ms)
}

// SnapshotMetrics deep-copies all collector state for read-only consumers.
func (c *Collector) SnapshotMetrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Counters:   make(map[MetricsKey]CounterSnapshot, len(c.counters)),
		PrefillMs:  make(map[MetricsKey]HistogramSnapshot, len(c.prefillMs)),
		DecodeMs:   make(map[MetricsKey]HistogramSnapshot, len(c.decodeMs)),
		EndToEndMs: make(map[MetricsKey]HistogramSnapshot, len(c.endToEndMs)),
	}
	for k, cs := range c.counters {
		s.Counters[MetricsKey{k.Kind, k.Server}] = CounterSnapshot{
			RequestsTotal:      cs.requestsTotal,
			RequestsFailed:     cs.requestsFailed,
			PrefillTokensTotal: cs.prefillTokensTotal,
			DecodeTokensTotal:  cs.decodeTokensTotal,
		}
	}
	for k, h := range c.prefillMs {
		s.PrefillMs[MetricsKey{k.Kind, k.Server}] = h.snapshot()
	}
	for k, h := range c.decodeMs {
		s.DecodeMs[MetricsKey{k.Kind, k.Server}] = h.snapshot()
	}
	for k, h := range c.endToEndMs {
		s.EndToEndMs[MetricsKey{k.Kind, k.Server}] = h.snapshot()
	}
	return s
}
