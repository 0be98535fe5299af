package module

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sampleWindow bounds the response-time samples kept per module.
const sampleWindow = 256

// opMetrics accumulates the counters the supervisor reads. Counts are
// atomic; the duration ring takes a small mutex because p95 needs a
// consistent window.
type opMetrics struct {
	ops    atomic.Int64
	errors atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	next      int
}

func newOpMetrics() *opMetrics {
	return &opMetrics{durations: make([]time.Duration, 0, sampleWindow)}
}

// observe records one operation outcome.
func (m *opMetrics) observe(d time.Duration, err error) {
	m.ops.Add(1)
	if err != nil {
		m.errors.Add(1)
	}

	m.mu.Lock()
	if len(m.durations) < sampleWindow {
		m.durations = append(m.durations, d)
	} else {
		m.durations[m.next] = d
		m.next = (m.next + 1) % sampleWindow
	}
	m.mu.Unlock()
}

// snapshot computes the current aggregate view.
func (m *opMetrics) snapshot() MetricsSnapshot {
	ops := m.ops.Load()
	errors := m.errors.Load()

	snap := MetricsSnapshot{Ops: ops, Errors: errors}
	if ops > 0 {
		snap.ErrorRate = float64(errors) / float64(ops)
	}

	m.mu.Lock()
	window := make([]time.Duration, len(m.durations))
	copy(window, m.durations)
	m.mu.Unlock()

	if len(window) == 0 {
		return snap
	}

	var total time.Duration
	for _, d := range window {
		total += d
	}
	snap.AverageResponseTimeMs = float64(total.Microseconds()) / float64(len(window)) / 1000

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := (len(window)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	snap.P95ResponseTimeMs = float64(window[idx].Microseconds()) / 1000
	return snap
}
