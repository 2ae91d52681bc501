package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/scttfrdmn/scorekeeper/internal/metrics"
)

// family gathers reg and returns the named metric family, failing the test
// when it is absent.
func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %q not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.Label {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNew_RegistersMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if m == nil {
		t.Fatal("New returned nil")
	}
	m.SetSideEffectQueueDepth(0)
	family(t, reg, "scorekeeper_side_effect_queue_depth")
}

func TestNilSafe(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	// None of these should panic.
	m.RecordResolution("cache", "found")
	m.RecordLeaderboardLoad("store")
	m.RecordSubmission("ok", time.Millisecond)
	m.RecordCacheLookup("privileges", true)
	m.RecordUpstreamError("osu_api")
	m.RecordSideEffect("restrict", "completed")
	m.SetSideEffectQueueDepth(3)
}

func TestRecordResolution(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordResolution("cache", "found")
	m.RecordResolution("cache", "found")
	m.RecordResolution("none", "not_submitted")

	f := family(t, reg, "scorekeeper_beatmap_resolutions_total")
	if got := len(f.Metric); got != 2 {
		t.Fatalf("expected 2 label combinations, got %d", got)
	}
	for _, metric := range f.Metric {
		if labelValue(metric, "provenance") == "cache" {
			if got := metric.Counter.GetValue(); got != 2 {
				t.Errorf("cache/found counter: got %v, want 2", got)
			}
		}
	}
}

func TestRecordSubmission_RecordsDuration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordSubmission("ok", 50*time.Millisecond)
	m.RecordSubmission("duplicate_submission", 5*time.Millisecond)

	h := family(t, reg, "scorekeeper_submission_duration_seconds")
	if got := h.Metric[0].Histogram.GetSampleCount(); got != 2 {
		t.Errorf("histogram sample count: got %d, want 2", got)
	}
	c := family(t, reg, "scorekeeper_submissions_total")
	if got := len(c.Metric); got != 2 {
		t.Errorf("expected 2 outcomes, got %d", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordCacheLookup("country", true)
	m.RecordCacheLookup("country", false)
	m.RecordCacheLookup("country", false)

	f := family(t, reg, "scorekeeper_cache_lookups_total")
	for _, metric := range f.Metric {
		if labelValue(metric, "result") == "miss" {
			if got := metric.Counter.GetValue(); got != 2 {
				t.Errorf("miss counter: got %v, want 2", got)
			}
		}
	}
}

func TestSetSideEffectQueueDepth(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SetSideEffectQueueDepth(42)

	f := family(t, reg, "scorekeeper_side_effect_queue_depth")
	if got := f.Metric[0].Gauge.GetValue(); got != 42 {
		t.Errorf("queue depth: got %v, want 42", got)
	}
}
