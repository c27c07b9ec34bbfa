package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyEmpty(t *testing.T) {
	l := NewLatency()
	snap := l.Snapshot()
	if snap.Count != 0 || snap.AvgMs != 0 || snap.MinMs != 0 || snap.MaxMs != 0 {
		t.Errorf("Snapshot() = %+v, want zero", snap)
	}
	if q := l.Quantile(0.5); q != 0 {
		t.Errorf("Quantile(0.5) = %v, want 0", q)
	}
}

func TestLatencyObserve(t *testing.T) {
	l := NewLatency()
	for i := 1; i <= 100; i++ {
		l.Observe(time.Duration(i) * time.Millisecond)
	}

	snap := l.Snapshot()
	if snap.Count != 100 {
		t.Errorf("Count = %d, want 100", snap.Count)
	}
	if snap.MinMs != 1 || snap.MaxMs != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", snap.MinMs, snap.MaxMs)
	}
	if math.Abs(snap.AvgMs-50.5) > 1e-9 {
		t.Errorf("AvgMs = %v, want 50.5", snap.AvgMs)
	}

	// 1% relative accuracy, allow some slack for rank rounding
	if math.Abs(snap.P50Ms-50) > 2 {
		t.Errorf("P50Ms = %v, want ~50", snap.P50Ms)
	}
	if math.Abs(snap.P99Ms-99) > 3 {
		t.Errorf("P99Ms = %v, want ~99", snap.P99Ms)
	}
}

func TestLatencyMergeAndReset(t *testing.T) {
	a := NewLatency()
	b := NewLatency()
	a.Observe(2 * time.Millisecond)
	b.Observe(8 * time.Millisecond)
	b.Observe(10 * time.Millisecond)

	a.Merge(b)
	a.Merge(a)
	a.Merge(nil)

	snap := a.Snapshot()
	if snap.Count != 3 || snap.MinMs != 2 || snap.MaxMs != 10 {
		t.Errorf("after Merge = %+v, want count 3 min 2 max 10", snap)
	}

	a.Reset()
	if snap := a.Snapshot(); snap.Count != 0 {
		t.Errorf("after Reset Count = %d, want 0", snap.Count)
	}
}

func TestLatencyConcurrent(t *testing.T) {
	l := NewLatency()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Observe(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := l.Snapshot().Count; got != 800 {
		t.Errorf("Count = %d, want 800", got)
	}
}

func TestIngestCounters(t *testing.T) {
	m := NewIngest()
	m.MessagesReceived.Inc()
	m.MessagesDropped.WithLabelValues(ReasonParse).Inc()
	m.MessagesDropped.WithLabelValues(ReasonParse).Inc()
	m.BinsObserved.WithLabelValues("BRW_RPC").Add(3)

	if got := testutil.ToFloat64(m.MessagesReceived); got != 1 {
		t.Errorf("MessagesReceived = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(ReasonParse)); got != 2 {
		t.Errorf("MessagesDropped{parse} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BinsObserved.WithLabelValues("BRW_RPC")); got != 3 {
		t.Errorf("BinsObserved{BRW_RPC} = %v, want 3", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := NewCollect()
	m.Ticks.Inc()
	m.PublishLatency.Observe(5 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"brwmon_collector_ticks_total 1",
		`brwmon_collector_publish_latency_milliseconds{quantile="0.5"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
