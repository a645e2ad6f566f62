package metrics

import (
	"strings"
	"testing"
)

func TestCounterRendering(t *testing.T) {
	r := NewRegistry()
	r.RegisterCounter("test_requests_total", "Total requests.")
	r.IncCounter("test_requests_total", map[string]string{"outcome": "ok"})
	r.IncCounter("test_requests_total", map[string]string{"outcome": "ok"})
	r.IncCounter("test_requests_total", map[string]string{"outcome": "error"})

	out := r.Render()
	if !strings.Contains(out, "# TYPE test_requests_total counter") {
		t.Fatalf("missing type line:\n%s", out)
	}
	if !strings.Contains(out, `test_requests_total{outcome="ok"} 2`) {
		t.Fatalf("missing ok series:\n%s", out)
	}
	if !strings.Contains(out, `test_requests_total{outcome="error"} 1`) {
		t.Fatalf("missing error series:\n%s", out)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("outfleet_nodes_by_tier", 3, map[string]string{"tier": "healthy"})
	r.SetGauge("outfleet_nodes_by_tier", 1, map[string]string{"tier": "healthy"})
	r.SetGauge("outfleet_nodes_by_tier", 2, map[string]string{"tier": "down"})

	out := r.Render()
	if !strings.Contains(out, "# TYPE outfleet_nodes_by_tier gauge") {
		t.Fatalf("missing type line:\n%s", out)
	}
	if !strings.Contains(out, `outfleet_nodes_by_tier{tier="healthy"} 1`) {
		t.Fatalf("gauge did not overwrite:\n%s", out)
	}
	if !strings.Contains(out, `outfleet_nodes_by_tier{tier="down"} 2`) {
		t.Fatalf("missing down series:\n%s", out)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	r.RegisterHistogram("test_latency_ms", "Latency.", []float64{10, 100})
	r.ObserveHistogram("test_latency_ms", 5, nil)
	r.ObserveHistogram("test_latency_ms", 50, nil)
	r.ObserveHistogram("test_latency_ms", 500, nil)

	out := r.Render()
	for _, want := range []string{
		`test_latency_ms_bucket{le="10"} 1`,
		`test_latency_ms_bucket{le="100"} 2`,
		`test_latency_ms_bucket{le="+Inf"} 3`,
		`test_latency_ms_sum 555`,
		`test_latency_ms_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
}

func TestUnregisteredMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("never_registered_total", nil)
	if strings.Contains(r.Render(), "never_registered_total") {
		t.Fatal("unregistered counter rendered")
	}
}

func TestTypeMismatchIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.RegisterCounter("test_total", "A counter.")
	r.SetGauge("test_total", 7, nil)
	if strings.Contains(r.Render(), "test_total 7") {
		t.Fatal("gauge write landed on a counter")
	}
}

func TestLabelEscaping(t *testing.T) {
	r := NewRegistry()
	r.RegisterCounter("test_total", "A counter.")
	r.IncCounter("test_total", map[string]string{"err": `dial "tcp": timeout` + "\n"})

	out := r.Render()
	if !strings.Contains(out, `err="dial \"tcp\": timeout\n"`) {
		t.Fatalf("label not escaped:\n%s", out)
	}
}

func TestDefaultMetricsRegistered(t *testing.T) {
	ResetDefaultForTest()
	out := Default().Render()
	for _, name := range []string{
		"outfleet_probe_total",
		"outfleet_health_cycle_total",
		"outfleet_nodes_by_tier",
		"outfleet_selection_total",
		"outfleet_provision_total",
		"outfleet_revoke_total",
		"outfleet_session_issue_total",
		"outfleet_node_launch_total",
	} {
		if !strings.Contains(out, "# TYPE "+name+" ") {
			t.Fatalf("default metric %s not registered:\n%s", name, out)
		}
	}
}
