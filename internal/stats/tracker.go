// Package stats tracks task lifecycles for the dashboard and the exit summary.
//
// The Tracker is fed from server hooks (any goroutine) and produces
// point-in-time Snapshots. Task durations go into a T-Digest so percentiles
// stay cheap no matter how many tasks the server has run.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/timeseries"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// DefaultRecentTasks is how many finished tasks a Tracker remembers.
const DefaultRecentTasks = 20

// TaskInfo describes one task as seen by the tracker.
type TaskInfo struct {
	ID       task.ID
	Command  wire.Command
	State    task.State
	Remote   string
	Pid      int
	Lines    int64
	Bytes    int64
	Started  time.Time
	Duration time.Duration // zero until the task finished
	Err      string
}

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	// Live tasks ordered by id; Recent finished tasks newest first.
	Live   []TaskInfo
	Recent []TaskInfo

	TotalTasks   int64
	PeakLive     int
	ByState      map[task.State]int64
	ByCommand    map[wire.Command]int64
	DecodeErrors map[string]int64
	Cancels      int64

	TotalLines int64
	TotalBytes int64

	// Lines per second since the previous snapshot.
	InstantLineRate float64

	// Rolling streamed-traffic rates, advanced by Sample.
	Throughput timeseries.Rates

	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration
}

// Tracker records task events. Safe for concurrent use.
type Tracker struct {
	startTime time.Time
	maxRecent int

	mu           sync.Mutex
	live         map[task.ID]*TaskInfo
	recent       []TaskInfo
	total        int64
	peakLive     int
	byState      map[task.State]int64
	byCommand    map[wire.Command]int64
	decodeErrors map[string]int64
	cancels      int64
	lines        int64
	bytes        int64

	durationDigest *tdigest.TDigest
	throughput     *timeseries.RateTracker

	// Previous snapshot, for instantaneous rates.
	prevTime  time.Time
	prevLines int64
}

// NewTracker creates an empty tracker remembering maxRecent finished tasks.
func NewTracker(maxRecent int) *Tracker {
	if maxRecent <= 0 {
		maxRecent = DefaultRecentTasks
	}
	now := time.Now()
	return &Tracker{
		startTime:      now,
		maxRecent:      maxRecent,
		live:           make(map[task.ID]*TaskInfo),
		byState:        make(map[task.State]int64),
		byCommand:      make(map[wire.Command]int64),
		decodeErrors:   make(map[string]int64),
		durationDigest: tdigest.NewWithCompression(100),
		throughput:     timeseries.NewRateTracker(),
		prevTime:       now,
	}
}

// TaskDispatched records a task that was stored in the registry.
func (t *Tracker) TaskDispatched(id task.ID, cmd wire.Command, remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.live[id]
	if !ok {
		info = &TaskInfo{ID: id, State: task.StateRunning, Started: time.Now()}
		t.live[id] = info
	}
	info.Command = cmd
	info.Remote = remote

	t.total++
	t.byCommand[cmd]++
	if len(t.live) > t.peakLive {
		t.peakLive = len(t.live)
	}
}

// TaskStateChanged records a state transition. Transitions for tasks the
// tracker has not seen yet create a live entry; the dispatch hook fills in
// the rest.
func (t *Tracker) TaskStateChanged(id task.ID, oldState, newState task.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.live[id]
	if !ok {
		if newState.IsTerminal() {
			return
		}
		info = &TaskInfo{ID: id, Started: time.Now()}
		t.live[id] = info
	}
	info.State = newState
}

// ChildSpawned records the pid of a follow task's child.
func (t *Tracker) ChildSpawned(id task.ID, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if info, ok := t.live[id]; ok {
		info.Pid = pid
	}
}

// LineStreamed records a line of n bytes forwarded by task id.
func (t *Tracker) LineStreamed(id task.ID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines++
	t.bytes += int64(n)
	t.throughput.Add(1, int64(n))
	if info, ok := t.live[id]; ok {
		info.Lines++
		info.Bytes += int64(n)
	}
}

// CancelRequested records a cancel byte from a follow client.
func (t *Tracker) CancelRequested() {
	t.mu.Lock()
	t.cancels++
	t.mu.Unlock()
}

// DecodeFailed records a rejected connection.
func (t *Tracker) DecodeFailed(reason string) {
	t.mu.Lock()
	t.decodeErrors[reason]++
	t.mu.Unlock()
}

// TaskFinished records a task reaching its terminal state. The task stays
// live until TaskRetired, since its child may still be running.
func (t *Tracker) TaskFinished(id task.ID, cmd wire.Command, state task.State, d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byState[state]++
	t.durationDigest.Add(float64(d.Nanoseconds()), 1)

	if info, ok := t.live[id]; ok {
		info.Command = cmd
		info.State = state
		info.Duration = d
		if err != nil {
			info.Err = err.Error()
		}
	}
}

// TaskRetired records that the registry has torn the task down.
func (t *Tracker) TaskRetired(id task.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.live[id]
	if !ok {
		return
	}
	delete(t.live, id)

	t.recent = append([]TaskInfo{*info}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
}

// Snapshot returns the current view. Each call also advances the baseline
// for InstantLineRate.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	s := &Snapshot{
		Timestamp:    now,
		Uptime:       now.Sub(t.startTime),
		Live:         make([]TaskInfo, 0, len(t.live)),
		Recent:       make([]TaskInfo, len(t.recent)),
		TotalTasks:   t.total,
		PeakLive:     t.peakLive,
		ByState:      make(map[task.State]int64, len(t.byState)),
		ByCommand:    make(map[wire.Command]int64, len(t.byCommand)),
		DecodeErrors: make(map[string]int64, len(t.decodeErrors)),
		Cancels:      t.cancels,
		TotalLines:   t.lines,
		TotalBytes:   t.bytes,
	}

	for _, info := range t.live {
		s.Live = append(s.Live, *info)
	}
	sort.Slice(s.Live, func(i, j int) bool { return s.Live[i].ID < s.Live[j].ID })
	copy(s.Recent, t.recent)

	for k, v := range t.byState {
		s.ByState[k] = v
	}
	for k, v := range t.byCommand {
		s.ByCommand[k] = v
	}
	for k, v := range t.decodeErrors {
		s.DecodeErrors[k] = v
	}

	if finished := sumValues(t.byState); finished > 0 {
		s.DurationP50 = time.Duration(t.durationDigest.Quantile(0.50))
		s.DurationP95 = time.Duration(t.durationDigest.Quantile(0.95))
		s.DurationP99 = time.Duration(t.durationDigest.Quantile(0.99))
	}

	if elapsed := now.Sub(t.prevTime).Seconds(); elapsed > 0 {
		s.InstantLineRate = float64(t.lines-t.prevLines) / elapsed
	}
	t.prevTime = now
	t.prevLines = t.lines

	s.Throughput = t.throughput.Rates()

	return s
}

// Sample records a throughput sample. Call about once a second.
func (t *Tracker) Sample() {
	t.throughput.RecordSample()
}

func sumValues[K comparable](m map[K]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}
