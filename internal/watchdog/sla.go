// Package watchdog implements health monitoring, SLA-driven auto-pause and
// the dead-man's-switch.
package watchdog

import (
	"sync"
	"time"
)

type sample struct {
	at        time.Time
	ok        bool
	latencyMs float64
}

// SLATracker keeps a rolling window of operation outcomes and answers with
// the window's error rate and average latency. Recording is O(1) amortized;
// pruning happens on read and write.
type SLATracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	clock   func() time.Time
}

func NewSLATracker(window time.Duration) *SLATracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &SLATracker{window: window, clock: time.Now}
}

// Record adds one operation outcome.
func (t *SLATracker) Record(ok bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.pruneLocked(now)
	t.samples = append(t.samples, sample{at: now, ok: ok, latencyMs: float64(latency.Milliseconds())})
}

// Snapshot returns the window's error rate, average latency in ms and the
// sample count. An empty window reports all-clear.
func (t *SLATracker) Snapshot() (errorRate, avgLatencyMs float64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	if len(t.samples) == 0 {
		return 0, 0, 0
	}
	errors := 0
	var totalMs float64
	for _, s := range t.samples {
		if !s.ok {
			errors++
		}
		totalMs += s.latencyMs
	}
	n = len(t.samples)
	return float64(errors) / float64(n), totalMs / float64(n), n
}

func (t *SLATracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}
