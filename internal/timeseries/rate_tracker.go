// Package timeseries keeps rolling rates over the log traffic streamed to
// follow clients.
//
// Add is lock-free and called once per forwarded line. RecordSample is
// called about once a second and stores the cumulative totals in a ring
// buffer; Rates derives per-second averages over fixed windows from it.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize is the number of samples kept (5 minutes at 1/sec).
	ringBufferSize = 300

	window1s   = 1 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time copy of the cumulative totals.
type sample struct {
	at    time.Time
	lines int64
	bytes int64
}

// Rate is a per-second average over one window.
type Rate struct {
	Lines float64
	Bytes float64
}

// Rates contains the rolling averages at a point in time.
type Rates struct {
	TotalLines int64
	TotalBytes int64

	Last1s   Rate
	Last60s  Rate
	Last300s Rate

	// Since the tracker was created or last Reset.
	Overall Rate
}

// RateTracker accumulates streamed lines and bytes.
type RateTracker struct {
	lines atomic.Int64
	bytes atomic.Int64

	mu       sync.RWMutex
	samples  []sample
	writeIdx int // next overwrite position once the ring is full
	start    time.Time

	clock Clock
}

// NewRateTracker creates a tracker using the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker reading time from clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples: make([]sample, 0, ringBufferSize),
		start:   now,
		clock:   clock,
	}
	t.samples = append(t.samples, sample{at: now})
	return t
}

// Add records lines and bytes forwarded to a client. Non-positive values
// are ignored.
func (t *RateTracker) Add(lines, bytes int64) {
	if lines > 0 {
		t.lines.Add(lines)
	}
	if bytes > 0 {
		t.bytes.Add(bytes)
	}
}

// RecordSample stores the current totals.
func (t *RateTracker) RecordSample() {
	s := sample{at: t.clock.Now(), lines: t.lines.Load(), bytes: t.bytes.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringBufferSize
}

// Rates computes the rolling averages. Windows longer than the recorded
// history fall back to the oldest sample.
func (t *RateTracker) Rates() Rates {
	now := t.clock.Now()
	cur := sample{at: now, lines: t.lines.Load(), bytes: t.bytes.Load()}

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{
		TotalLines: cur.lines,
		TotalBytes: cur.bytes,
		Last1s:     t.rateOver(cur, window1s),
		Last60s:    t.rateOver(cur, window60s),
		Last300s:   t.rateOver(cur, window300s),
	}
	r.Overall = rateBetween(sample{at: t.start}, cur)
	return r
}

// rateOver returns the average between the sample closest to (and not
// after) cur.at-window and cur. Caller holds mu.
func (t *RateTracker) rateOver(cur sample, window time.Duration) Rate {
	target := cur.at.Add(-window)

	var best *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(target) {
			continue
		}
		if best == nil || s.at.After(best.at) {
			best = s
		}
	}
	if best == nil {
		best = t.oldest()
	}
	if best == nil {
		return Rate{}
	}
	return rateBetween(*best, cur)
}

func rateBetween(from, to sample) Rate {
	elapsed := to.at.Sub(from.at).Seconds()
	if elapsed <= 0 {
		return Rate{}
	}
	return Rate{
		Lines: float64(to.lines-from.lines) / elapsed,
		Bytes: float64(to.bytes-from.bytes) / elapsed,
	}
}

// oldest returns the oldest sample in the ring. Caller holds mu.
func (t *RateTracker) oldest() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset clears all data and restarts tracking.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines.Store(0)
	t.bytes.Store(0)
	t.samples = append(t.samples[:0], sample{at: now})
	t.writeIdx = 0
	t.start = now
}

// SampleCount returns the number of samples in the ring buffer.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
