package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/brwmon/config"
)

// =============================================================================
// Latency Statistics
// =============================================================================

// Latency tracks running statistics of an operation's duration. Percentiles
// come from a DDSketch with config.DefaultSketchAccuracy relative accuracy.
//
// Latency is safe for concurrent use.
type Latency struct {
	mu       sync.Mutex
	accuracy float64

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be built
	sketch *ddsketch.DDSketch
}

// LatencySnapshot is a point-in-time view of a Latency, in milliseconds.
type LatencySnapshot struct {
	Count int64
	AvgMs float64
	MinMs float64
	MaxMs float64
	P50Ms float64
	P90Ms float64
	P99Ms float64
}

// NewLatency creates an empty latency tracker.
func NewLatency() *Latency {
	return NewLatencyWithAccuracy(config.DefaultSketchAccuracy)
}

// NewLatencyWithAccuracy creates a tracker with a custom sketch accuracy.
func NewLatencyWithAccuracy(accuracy float64) *Latency {
	l := &Latency{accuracy: accuracy}
	l.reset()
	return l
}

// Observe records one duration.
func (l *Latency) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += ms
	if ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
	if l.sketch != nil {
		l.sketch.Add(ms)
	}
}

// Since records the time elapsed since start.
func (l *Latency) Since(start time.Time) {
	l.Observe(time.Since(start))
}

// Snapshot returns the current statistics.
func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := LatencySnapshot{Count: l.count}
	if l.count == 0 {
		return snap
	}
	snap.AvgMs = l.sum / float64(l.count)
	snap.MinMs = l.min
	snap.MaxMs = l.max

	if l.sketch != nil {
		snap.P50Ms, _ = l.sketch.GetValueAtQuantile(0.50)
		snap.P90Ms, _ = l.sketch.GetValueAtQuantile(0.90)
		snap.P99Ms, _ = l.sketch.GetValueAtQuantile(0.99)
	}
	return snap
}

// Quantile returns the q-quantile in milliseconds, or 0 without data.
func (l *Latency) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sketch == nil || l.count == 0 {
		return 0
	}
	v, err := l.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Merge adds the observations of other into l.
func (l *Latency) Merge(other *Latency) {
	if other == nil || other == l {
		return
	}

	other.mu.Lock()
	count, sum, minMs, maxMs := other.count, other.sum, other.min, other.max
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	if count == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count += count
	l.sum += sum
	if minMs < l.min {
		l.min = minMs
	}
	if maxMs > l.max {
		l.max = maxMs
	}
	if l.sketch != nil && sketch != nil {
		l.sketch.MergeWith(sketch)
	}
}

// Reset clears all observations.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

func (l *Latency) reset() {
	l.count = 0
	l.sum = 0
	l.min = math.MaxFloat64
	l.max = -math.MaxFloat64

	// DDSketch has no Clear, build a new one
	sketch, err := ddsketch.NewDefaultDDSketch(l.accuracy)
	if err != nil {
		log.Warn("latency sketch disabled", "accuracy", l.accuracy, "error", err)
		sketch = nil
	}
	l.sketch = sketch
}
