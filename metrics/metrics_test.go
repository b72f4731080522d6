package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddRecords("d", "accepted", 3)
	m.IncResolve("step", "hit")
	m.IncRetries("step")
	m.IncScreenshots("d")
	m.IncScrolls("d")
	m.IncTask("d", "completed")
	m.IncError("d", "other")
	m.SetState("d", "running")
	m.ObserveDriver("click", time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New()
	m.AddRecords("SER1", "accepted", 4)
	m.AddRecords("SER1", "accepted", 0)
	m.AddRecords("SER1", "duplicate", 1)
	m.IncResolve("shop_search_btn", "miss")

	if got := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("SER1", "accepted")); got != 4 {
		t.Fatalf("accepted = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("SER1", "duplicate")); got != 1 {
		t.Fatalf("duplicate = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ResolverTotal.WithLabelValues("shop_search_btn", "miss")); got != 1 {
		t.Fatalf("misses = %v, want 1", got)
	}
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New()
	m.SetState("SER1", "running")
	m.SetState("SER1", "paused")

	for _, s := range States {
		want := 0.0
		if s == "paused" {
			want = 1
		}
		if got := testutil.ToFloat64(m.WorkerState.WithLabelValues("SER1", s)); got != want {
			t.Fatalf("state %s = %v, want %v", s, got, want)
		}
	}
}
