// Package metrics is a small Prometheus-compatible registry for rsagent.
// It renders the text exposition format without client_golang.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector()

// metric is one labelled series of a family.
type metric interface {
	write(w io.Writer, name, labels string)
}

// family groups the series sharing a metric name, so HELP and TYPE are
// written once per name.
type family struct {
	help   string
	typ    string
	series map[string]metric
}

// MetricsCollector holds metric families keyed by name.
type MetricsCollector struct {
	mu        sync.RWMutex
	families  map[string]*family
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// series returns the metric for name and labels, creating it with mk on
// first use. Reusing a name with a different type panics.
func (c *MetricsCollector) series(name, help, typ, labels string, mk func() metric) metric {
	c.mu.RLock()
	if f, ok := c.families[name]; ok && f.typ == typ {
		if m, ok := f.series[labels]; ok {
			c.mu.RUnlock()
			return m
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{help: help, typ: typ, series: make(map[string]metric)}
		c.families[name] = f
	}
	if f.typ != typ {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.typ, typ))
	}
	m, ok := f.series[labels]
	if !ok {
		m = mk()
		f.series[labels] = m
	}
	return m
}

// Counter is a monotonically increasing counter.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braces(labels), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braces(labels), g.Value())
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64 // sorted upper bounds
	counts []int64   // counts[i] observations <= bounds[i]
	count  int64
	sum    float64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, le := range h.bounds {
		if math.IsInf(le, 1) {
			continue
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, braces(labels, `le="`+strconv.FormatFloat(le, 'g', -1, 64)+`"`), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, braces(labels, `le="+Inf"`), h.count)
	fmt.Fprintf(w, "%s_count%s %d\n", name, braces(labels), h.count)
	fmt.Fprintf(w, "%s_sum%s %g\n", name, braces(labels), h.sum)
}

// braces joins label sets into "{a,b}", or "" when all are empty.
func braces(sets ...string) string {
	var parts []string
	for _, s := range sets {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter returns or creates a counter with the given name and labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.series(name, help, "counter", labels, func() metric { return &Counter{} }).(*Counter)
}

// Gauge returns or creates a gauge with the given name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.series(name, help, "gauge", labels, func() metric { return &Gauge{} }).(*Gauge)
}

// Histogram returns or creates a histogram with the given name and labels.
// The buckets of the first registration win.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.series(name, help, "histogram", labels, func() metric {
		bounds := slices.Sorted(slices.Values(buckets))
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Render writes every family in Prometheus text format, sorted by name and
// then by label set.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP rsagent_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE rsagent_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "rsagent_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range slices.Sorted(maps.Keys(c.families)) {
		f := c.families[name]
		fmt.Fprintf(&sb, "\n# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.typ)
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			f.series[labels].write(&sb, name, labels)
		}
	}
	return sb.String()
}

// Handler serves Render as a scrape endpoint.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		io.WriteString(w, c.Render())
	}
}

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	RepairsTotal        = Collector.Counter("rsagent_job_repairs_total", "Parameter repair rounds after a rejection", "")
	SparseFallbacks     = Collector.Counter("rsagent_sparse_fallbacks_total", "Ingests or queries served by the sparse index because embeddings were unavailable", "")
	ProgressDropped     = Collector.Gauge("rsagent_progress_events_dropped", "Progress events dropped for slow subscribers", "")
	IndexedChunks       = Collector.Gauge("rsagent_indexed_chunks", "Chunks currently indexed in the knowledge store", "")
	IndexedDocuments    = Collector.Gauge("rsagent_indexed_documents", "Documents currently in the knowledge store", "")
	ProgressSubscribers = Collector.Gauge("rsagent_progress_subscribers", "Current progress stream subscribers", "")
)

// LLMRequests counts chat calls per provider by outcome (ok, error, cancelled).
func LLMRequests(provider, outcome string) *Counter {
	return Collector.Counter("rsagent_llm_requests_total", "LLM chat calls by provider and outcome",
		fmt.Sprintf(`provider=%q,outcome=%q`, provider, outcome))
}

// LLMLatency is the chat call latency per provider.
func LLMLatency(provider string) *Histogram {
	return Collector.Histogram("rsagent_llm_latency_seconds", "LLM request latency in seconds",
		fmt.Sprintf(`provider=%q`, provider), []float64{0.5, 1, 2, 5, 10, 30, 60, 120})
}

// TurnsTotal counts finished turns by intent and outcome.
func TurnsTotal(intent, outcome string) *Counter {
	return Collector.Counter("rsagent_turns_total", "Turns processed by intent and outcome",
		fmt.Sprintf(`intent=%q,outcome=%q`, intent, outcome))
}

// JobSubmissions counts submission attempts by status (accepted, rejected, error).
func JobSubmissions(status string) *Counter {
	return Collector.Counter("rsagent_job_submissions_total", "Job submission attempts by status",
		fmt.Sprintf(`status=%q`, status))
}

// TurnLatency is the wall time of a turn per intent.
func TurnLatency(intent string) *Histogram {
	return Collector.Histogram("rsagent_turn_latency_seconds", "Turn latency in seconds",
		fmt.Sprintf(`intent=%q`, intent), latencyBuckets)
}

// ObserveTurn records one finished turn.
func ObserveTurn(intent, outcome string, d time.Duration) {
	TurnsTotal(intent, outcome).Inc()
	TurnLatency(intent).Observe(d.Seconds())
}
