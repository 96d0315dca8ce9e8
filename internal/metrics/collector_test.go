package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter_SameNameAndLabelsIsShared(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "help", `k="v"`)
	b := c.Counter("x_total", "help", `k="v"`)
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Fatalf("expected one shared counter with value 3, got %d", a.Value())
	}
	if other := c.Counter("x_total", "help", `k="w"`); other.Value() != 0 {
		t.Fatal("different labels must be a different series")
	}
}

func TestGauge_SetIncDec(t *testing.T) {
	g := NewMetricsCollector().Gauge("g", "help", "")
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 4 {
		t.Fatalf("expected 4, got %d", g.Value())
	}
}

func TestHistogram_BucketsAreCumulative(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat", "help", "", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	out := c.Render()
	for _, want := range []string{
		`lat_bucket{le="1"} 1`,
		`lat_bucket{le="5"} 2`,
		`lat_bucket{le="+Inf"} 3`,
		`lat_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRender_LabelledSeriesAndHelpOnce(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("turns_total", "Turns", `outcome="done"`).Inc()
	c.Counter("turns_total", "Turns", `outcome="failed"`).Add(2)

	out := c.Render()
	if strings.Count(out, "# HELP turns_total") != 1 {
		t.Fatalf("HELP should be written once:\n%s", out)
	}
	if !strings.Contains(out, `turns_total{outcome="done"} 1`) || !strings.Contains(out, `turns_total{outcome="failed"} 2`) {
		t.Fatalf("labelled samples missing:\n%s", out)
	}
	if strings.Index(out, `outcome="done"`) > strings.Index(out, `outcome="failed"`) {
		t.Fatal("series should be rendered in sorted order")
	}
}

func TestHandler_ContentType(t *testing.T) {
	c := NewMetricsCollector()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "rsagent_uptime_seconds") {
		t.Fatal("expected uptime gauge")
	}
}

func TestObserveTurn(t *testing.T) {
	before := TurnsTotal("job_request", "done").Value()
	ObserveTurn("job_request", "done", 2*time.Second)
	if got := TurnsTotal("job_request", "done").Value(); got != before+1 {
		t.Fatalf("expected counter to advance by one, got %d -> %d", before, got)
	}
	if TurnLatency("job_request").Count() == 0 {
		t.Fatal("expected a latency observation")
	}
}

func TestRender_LabelledHistogramsShareOneHeader(t *testing.T) {
	c := NewMetricsCollector()
	c.Histogram("lat_seconds", "Latency", `provider="a"`, []float64{1}).Observe(0.2)
	c.Histogram("lat_seconds", "Latency", `provider="b"`, []float64{1}).Observe(2)

	out := c.Render()
	if strings.Count(out, "# TYPE lat_seconds histogram") != 1 {
		t.Fatalf("TYPE should be written once:\n%s", out)
	}
	for _, want := range []string{
		`lat_seconds_bucket{provider="a",le="1"} 1`,
		`lat_seconds_bucket{provider="b",le="1"} 0`,
		`lat_seconds_bucket{provider="b",le="+Inf"} 1`,
		`lat_seconds_sum{provider="b"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestSeries_TypeConflictPanics(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("dup", "help", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when reusing a counter name as a gauge")
		}
	}()
	c.Gauge("dup", "help", "")
}
