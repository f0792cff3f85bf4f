package timeseries

import (
	"math"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{time: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Add
// =============================================================================

func TestRateTracker_Add(t *testing.T) {
	tests := []struct {
		name      string
		adds      [][2]int64
		wantLines int64
		wantBytes int64
	}{
		{"single line", [][2]int64{{1, 80}}, 1, 80},
		{"several lines", [][2]int64{{1, 10}, {1, 20}, {1, 30}}, 3, 60},
		{"zero ignored", [][2]int64{{1, 10}, {0, 0}}, 1, 10},
		{"negative ignored", [][2]int64{{1, 10}, {-1, -10}}, 1, 10},
		{"empty", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewRateTrackerWithClock(newMockClock(epoch))
			for _, a := range tt.adds {
				tr.Add(a[0], a[1])
			}
			r := tr.Rates()
			if r.TotalLines != tt.wantLines || r.TotalBytes != tt.wantBytes {
				t.Errorf("totals = %d/%d, want %d/%d", r.TotalLines, r.TotalBytes, tt.wantLines, tt.wantBytes)
			}
		})
	}
}

func TestRateTracker_ConcurrentAdd(t *testing.T) {
	tr := NewRateTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Add(1, 100)
			}
		}()
	}
	wg.Wait()

	r := tr.Rates()
	if r.TotalLines != 8000 || r.TotalBytes != 800_000 {
		t.Errorf("totals = %d/%d", r.TotalLines, r.TotalBytes)
	}
}

// =============================================================================
// Rates
// =============================================================================

func TestRateTracker_SteadyRate(t *testing.T) {
	clock := newMockClock(epoch)
	tr := NewRateTrackerWithClock(clock)

	// 10 lines of 100 bytes per second for 2 minutes.
	for i := 0; i < 120; i++ {
		clock.Advance(time.Second)
		tr.Add(10, 1000)
		tr.RecordSample()
	}

	r := tr.Rates()
	for name, rate := range map[string]Rate{"1s": r.Last1s, "60s": r.Last60s, "300s": r.Last300s, "overall": r.Overall} {
		if !approxEqual(rate.Lines, 10) || !approxEqual(rate.Bytes, 1000) {
			t.Errorf("%s rate = %+v, want 10 lines/s 1000 B/s", name, rate)
		}
	}
}

func TestRateTracker_BurstThenIdle(t *testing.T) {
	clock := newMockClock(epoch)
	tr := NewRateTrackerWithClock(clock)

	clock.Advance(time.Second)
	tr.Add(600, 60_000)
	tr.RecordSample()

	// 59 idle seconds.
	for i := 0; i < 59; i++ {
		clock.Advance(time.Second)
		tr.RecordSample()
	}

	r := tr.Rates()
	if r.Last1s.Lines != 0 {
		t.Errorf("1s lines = %v, want 0", r.Last1s.Lines)
	}
	if !approxEqual(r.Last60s.Lines, 10) {
		t.Errorf("60s lines = %v, want 10", r.Last60s.Lines)
	}
	// History is shorter than 300s, so the window falls back to the start.
	if !approxEqual(r.Last300s.Lines, 10) {
		t.Errorf("300s lines = %v, want 10", r.Last300s.Lines)
	}
}

func TestRateTracker_NoElapsedTime(t *testing.T) {
	tr := NewRateTrackerWithClock(newMockClock(epoch))
	tr.Add(5, 500)

	r := tr.Rates()
	if r.Last1s != (Rate{}) || r.Overall != (Rate{}) {
		t.Errorf("rates without elapsed time = %+v", r)
	}
}

func TestRateTracker_RingBufferWraps(t *testing.T) {
	clock := newMockClock(epoch)
	tr := NewRateTrackerWithClock(clock)

	for i := 0; i < ringBufferSize+50; i++ {
		clock.Advance(time.Second)
		tr.Add(1, 1)
		tr.RecordSample()
	}

	if n := tr.SampleCount(); n != ringBufferSize {
		t.Errorf("SampleCount = %d, want %d", n, ringBufferSize)
	}
	if r := tr.Rates(); !approxEqual(r.Last300s.Lines, 1) {
		t.Errorf("300s lines after wrap = %v, want 1", r.Last300s.Lines)
	}
}

func TestRateTracker_Reset(t *testing.T) {
	clock := newMockClock(epoch)
	tr := NewRateTrackerWithClock(clock)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		tr.Add(3, 30)
		tr.RecordSample()
	}
	tr.Reset()

	if n := tr.SampleCount(); n != 1 {
		t.Errorf("SampleCount after reset = %d, want 1", n)
	}
	clock.Advance(2 * time.Second)
	r := tr.Rates()
	if r.TotalLines != 0 || r.Overall.Lines != 0 {
		t.Errorf("after reset = %+v", r)
	}
}
