package mqtt

import (
	"sync"
	"time"

	"github.com/nelsonandreproton/NPBot/internal/metrics"
)

// DailyCalls counts tool invocations since local midnight. It is a
// [metrics.Recorder] that only listens to tool calls, so it can be
// combined with the Prometheus recorder through [metrics.Multi].
type DailyCalls struct {
	metrics.NoOp

	mu       sync.Mutex
	calls    int64
	failures int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCalls creates a counter that resets at midnight in loc. If
// loc is nil, [time.Local] is used.
func NewDailyCalls(loc *time.Location) *DailyCalls {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCalls{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// RecordToolCall counts one invocation. Anything other than success
// also counts as a failure.
func (d *DailyCalls) RecordToolCall(_, _, status string, _ float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.calls++
	if status != metrics.StatusSuccess {
		d.failures++
	}
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCalls) Snapshot() (calls, failures int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.calls, d.failures
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCalls) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.calls = 0
		d.failures = 0
		d.resetDay = today
	}
}
