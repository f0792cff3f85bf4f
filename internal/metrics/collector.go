// Package metrics provides Prometheus metrics for mc-remote.
//
// All metrics are aggregate: there is no per-task label, so cardinality is
// bounded by the command vocabulary and the task states.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// Metric names the client's stats scraper reads back.
const (
	MetricTasksRegistered = "mc_remote_tasks_registered_total"
	MetricTasksLive       = "mc_remote_tasks_live"
	MetricTaskOutcomes    = "mc_remote_task_outcomes_total"
	MetricDecodeErrors    = "mc_remote_decode_errors_total"
	MetricCancelRequests  = "mc_remote_cancel_requests_total"
	MetricChildrenStopped = "mc_remote_children_stopped_total"
	MetricLinesStreamed   = "mc_remote_lines_streamed_total"
	MetricUptime          = "mc_remote_uptime_seconds"
)

// --- Server ---
var (
	mcRemoteInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mc_remote_info",
			Help: "Information about the server (value always 1)",
		},
		[]string{"version", "command_set", "container"},
	)

	mcRemoteUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricUptime,
			Help: "Seconds since the server started",
		},
	)

	mcRemoteConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_remote_connections_accepted_total",
			Help: "Total accepted control connections",
		},
	)

	mcRemoteDecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricDecodeErrors,
			Help: "Connections rejected before a task was registered, by reason",
		},
		[]string{"reason"},
	)
)

// --- Tasks ---
var (
	mcRemoteTasksRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: MetricTasksRegistered,
			Help: "Total task ids allocated",
		},
	)

	mcRemoteTasksLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricTasksLive,
			Help: "Tasks currently held by the registry",
		},
	)

	mcRemoteTaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricTaskOutcomes,
			Help: "Finished tasks by command and terminal state",
		},
		[]string{"command", "state"},
	)

	mcRemoteTaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mc_remote_task_duration_seconds",
			Help: "Task duration from dispatch to terminal state",
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
				60, 300, 900, 3600,
			},
		},
		[]string{"command"},
	)

	mcRemoteCancelRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: MetricCancelRequests,
			Help: "Cancellation requests received from follow clients",
		},
	)
)

// --- Children and streaming ---
var (
	mcRemoteChildrenSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_remote_children_spawned_total",
			Help: "Streaming child processes started",
		},
	)

	mcRemoteChildrenStoppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricChildrenStopped,
			Help: "Streaming child processes stopped during teardown, by result",
		},
		[]string{"result"},
	)

	mcRemoteLinesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: MetricLinesStreamed,
			Help: "Log lines forwarded to follow clients",
		},
	)

	mcRemoteBytesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_remote_bytes_streamed_total",
			Help: "Bytes forwarded to follow clients",
		},
	)
)

// Child stop results.
const (
	StopTerminated = "terminated"
	StopKilled     = "killed"
	StopError      = "error"
)

// Collector records server events into Prometheus metrics and keeps the
// totals needed for the exit summary.
type Collector struct {
	startTime time.Time

	mu        sync.Mutex
	live      int
	peakLive  int
	total     int64
	cancels   int64
	outcomes  map[task.State]int64
	durations []time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version    string
	CommandSet string
	Container  string
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime: time.Now(),
		outcomes:  make(map[task.State]int64),
	}

	registry.MustRegister(
		// Server
		mcRemoteInfo,
		mcRemoteUptimeSeconds,
		mcRemoteConnectionsTotal,
		mcRemoteDecodeErrorsTotal,

		// Tasks
		mcRemoteTasksRegisteredTotal,
		mcRemoteTasksLive,
		mcRemoteTaskOutcomesTotal,
		mcRemoteTaskDurationSeconds,
		mcRemoteCancelRequestsTotal,

		// Children
		mcRemoteChildrenSpawnedTotal,
		mcRemoteChildrenStoppedTotal,
		mcRemoteLinesStreamedTotal,
		mcRemoteBytesStreamedTotal,
	)

	mcRemoteInfo.WithLabelValues(cfg.Version, cfg.CommandSet, cfg.Container).Set(1)
	mcRemoteTasksLive.Set(0)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// ConnectionAccepted records an accepted connection.
func (c *Collector) ConnectionAccepted() {
	mcRemoteConnectionsTotal.Inc()
}

// DecodeFailed records a connection rejected for reason.
func (c *Collector) DecodeFailed(reason string) {
	mcRemoteDecodeErrorsTotal.WithLabelValues(reason).Inc()
}

// TaskRegistered records an allocated task id.
func (c *Collector) TaskRegistered() {
	mcRemoteTasksRegisteredTotal.Inc()
}

// TaskStored records a task entering the registry.
func (c *Collector) TaskStored() {
	c.mu.Lock()
	c.live++
	c.total++
	if c.live > c.peakLive {
		c.peakLive = c.live
	}
	live := c.live
	c.mu.Unlock()

	mcRemoteTasksLive.Set(float64(live))
}

// TaskRetired records a task leaving the registry after teardown.
func (c *Collector) TaskRetired() {
	c.mu.Lock()
	if c.live > 0 {
		c.live--
	}
	live := c.live
	c.mu.Unlock()

	mcRemoteTasksLive.Set(float64(live))
}

// TaskFinished records a task reaching its terminal state.
func (c *Collector) TaskFinished(cmd wire.Command, state task.State, d time.Duration) {
	mcRemoteTaskOutcomesTotal.WithLabelValues(cmd.String(), state.String()).Inc()
	mcRemoteTaskDurationSeconds.WithLabelValues(cmd.String()).Observe(d.Seconds())

	c.mu.Lock()
	c.outcomes[state]++
	c.durations = append(c.durations, d)
	c.mu.Unlock()
}

// CancelRequested records a cancel byte received from a follow client.
func (c *Collector) CancelRequested() {
	mcRemoteCancelRequestsTotal.Inc()

	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
}

// ChildSpawned records a streaming child start.
func (c *Collector) ChildSpawned() {
	mcRemoteChildrenSpawnedTotal.Inc()
}

// ChildStopped records the result of stopping a streaming child.
func (c *Collector) ChildStopped(err error) {
	mcRemoteChildrenStoppedTotal.WithLabelValues(StopResult(err)).Inc()
}

// LineStreamed records a line of n bytes forwarded to a client.
func (c *Collector) LineStreamed(n int) {
	mcRemoteLinesStreamedTotal.Inc()
	mcRemoteBytesStreamedTotal.Add(float64(n))
}

// UpdateUptime refreshes the uptime gauge. Called periodically.
func (c *Collector) UpdateUptime() {
	mcRemoteUptimeSeconds.Set(time.Since(c.startTime).Seconds())
}

// StopResult classifies the error returned by process.Child.Stop.
func StopResult(err error) string {
	switch {
	case err == nil:
		return StopTerminated
	case errors.Is(err, process.ErrForceKilled):
		return StopKilled
	default:
		return StopError
	}
}

// =============================================================================
// Summary
// =============================================================================

// Summary contains the totals printed when the server exits.
type Summary struct {
	Uptime      time.Duration
	TotalTasks  int64
	PeakLive    int
	Cancels     int64
	Outcomes    map[string]int64
	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Uptime:     time.Since(c.startTime),
		TotalTasks: c.total,
		PeakLive:   c.peakLive,
		Cancels:    c.cancels,
		Outcomes:   make(map[string]int64, len(c.outcomes)),
	}

	for state, count := range c.outcomes {
		s.Outcomes[state.String()] = count
	}

	if len(c.durations) > 0 {
		sorted := make([]time.Duration, len(c.durations))
		copy(sorted, c.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		s.DurationP50 = percentile(sorted, 0.50)
		s.DurationP95 = percentile(sorted, 0.95)
		s.DurationP99 = percentile(sorted, 0.99)
	}

	return s
}

// Live returns the number of tasks currently in the registry.
func (c *Collector) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// PeakLive returns the highest live task count seen.
func (c *Collector) PeakLive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakLive
}

// =============================================================================
// Helper Functions
// =============================================================================

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
