// Package orchestrator wires the control server to its observers: the
// Prometheus collector, the stats tracker and the optional dashboard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-mc-remote/internal/config"
	"github.com/randomizedcoder/go-mc-remote/internal/metrics"
	"github.com/randomizedcoder/go-mc-remote/internal/preflight"
	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/registry"
	"github.com/randomizedcoder/go-mc-remote/internal/server"
	"github.com/randomizedcoder/go-mc-remote/internal/stats"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/tui"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// sampleInterval is how often the uptime gauge and the throughput
// window are refreshed.
const sampleInterval = time.Second

// Options holds the optional collaborators of an Orchestrator.
type Options struct {
	// Runner defaults to an ExecRunner.
	Runner process.Runner

	// Registry backs the metrics endpoint. Defaults to a fresh registry.
	Registry *prometheus.Registry

	// Out receives preflight results and the exit summary. Defaults to stdout.
	Out io.Writer

	Version string
}

// Orchestrator coordinates all components of a running mc-remoted.
type Orchestrator struct {
	config *config.ServerConfig
	logger *slog.Logger
	out    io.Writer

	runner        process.Runner
	commands      *process.DockerCommands
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	tracker       *stats.Tracker

	addrMu sync.Mutex
	addr   string
	ready  chan struct{}
}

// New creates an Orchestrator for cfg.
func New(cfg *config.ServerConfig, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner(logger)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	commands := process.NewDockerCommands(cfg.DockerConfig())

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		out:      opts.Out,
		runner:   opts.Runner,
		commands: commands,
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Version:    opts.Version,
			CommandSet: commands.Name(),
			Container:  cfg.Container,
		}, opts.Registry),
		tracker: stats.NewTracker(stats.DefaultRecentTasks),
		ready:   make(chan struct{}),
	}

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServerWithGatherer(cfg.MetricsAddr, opts.Registry, logger)
	}

	return o
}

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or the
// dashboard is closed, then tears everything down and prints the exit
// summary.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.config.PreflightSessions, o.config.DockerPath)
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	srv, err := server.Listen(server.Config{
		ListenAddr:       o.config.ListenAddr,
		NotifyBuffer:     o.config.NotifyBuffer,
		HandshakeTimeout: o.config.HandshakeTimeout,
		KillTimeout:      o.config.KillTimeout,
		ShutdownTimeout:  o.config.ShutdownTimeout,
		Verbose:          o.config.Verbose,
	}, server.Deps{
		Runner:   o.runner,
		Commands: o.commands,
		Logger:   o.logger,
		Hooks:    o.Hooks(),
	})
	if err != nil {
		o.shutdownMetrics()
		return err
	}

	o.addrMu.Lock()
	o.addr = srv.Addr().String()
	o.addrMu.Unlock()
	close(o.ready)

	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sample(ctx)
	}()

	var program *tea.Program
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			ListenAddr:  o.Addr(),
			MetricsAddr: o.config.MetricsAddr,
			CommandSet:  o.commands.Name(),
			StatsSource: o.tracker,
		}), tea.WithAltScreen())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := program.Run(); err != nil {
				o.logger.Warn("tui_error", "error", err)
			}
			// Closing the dashboard stops the server.
			cancel()
		}()
	}

	serveErr := srv.Serve(ctx)
	cancel()

	if program != nil {
		tui.SendQuit(program)
	}
	wg.Wait()

	if o.metricsServer != nil {
		o.metricsServer.SetReady(false)
	}
	o.shutdownMetrics()

	o.printExitSummary()

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// Hooks composes the collector and tracker into server hooks.
func (o *Orchestrator) Hooks() server.Hooks {
	return server.Hooks{
		Task: task.Callbacks{
			OnStateChange: o.onStateChange,
			OnSpawn:       o.onSpawn,
			OnLine:        o.onLine,
			OnExit:        o.onExit,
		},
		Registry: registry.Callbacks{
			OnRegister: o.onRegister,
			OnTeardown: o.onTeardown,
		},
		OnAccept:      o.onAccept,
		OnDecodeError: o.onDecodeError,
		OnDispatch:    o.onDispatch,
	}
}

// Callback handlers

func (o *Orchestrator) onAccept(remote string) {
	o.metrics.ConnectionAccepted()
}

func (o *Orchestrator) onDecodeError(remote, reason string, err error) {
	o.metrics.DecodeFailed(reason)
	o.tracker.DecodeFailed(reason)
}

func (o *Orchestrator) onRegister(id task.ID) {
	o.metrics.TaskRegistered()
}

func (o *Orchestrator) onDispatch(id task.ID, cmd wire.Command, remote string) {
	o.metrics.TaskStored()
	o.tracker.TaskDispatched(id, cmd, remote)
}

func (o *Orchestrator) onStateChange(id task.ID, oldState, newState task.State) {
	o.tracker.TaskStateChanged(id, oldState, newState)
}

func (o *Orchestrator) onSpawn(id task.ID, pid int) {
	o.metrics.ChildSpawned()
	o.tracker.ChildSpawned(id, pid)

	if o.config.Verbose {
		o.logger.Debug("task_child_started", "task_id", uint64(id), "pid", pid)
	}
}

func (o *Orchestrator) onLine(id task.ID, n int) {
	o.metrics.LineStreamed(n)
	o.tracker.LineStreamed(id, n)
}

func (o *Orchestrator) onExit(id task.ID, cmd wire.Command, state task.State, d time.Duration, err error) {
	// A client cancel ends the task without an error; an abort carries
	// the context error.
	if state == task.StateCancelled && err == nil {
		o.metrics.CancelRequested()
		o.tracker.CancelRequested()
	}
	o.metrics.TaskFinished(cmd, state, d)
	o.tracker.TaskFinished(id, cmd, state, d, err)
}

func (o *Orchestrator) onTeardown(id task.ID, pid int, err error) {
	if pid != 0 {
		o.metrics.ChildStopped(err)
	}
	o.metrics.TaskRetired()
	o.tracker.TaskRetired(id)
}

// sample refreshes the periodic measurements until ctx is done.
func (o *Orchestrator) sample(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	o.metrics.UpdateUptime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.metrics.UpdateUptime()
			o.tracker.Sample()
		}
	}
}

func (o *Orchestrator) shutdownMetrics() {
	if o.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// printExitSummary prints the tracker summary and logs the collector totals.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()
	o.logger.Info("exit_summary",
		"uptime", summary.Uptime.String(),
		"total_tasks", summary.TotalTasks,
		"peak_live", summary.PeakLive,
		"cancels", summary.Cancels,
		"duration_p50", summary.DurationP50.String(),
		"duration_p99", summary.DurationP99.String(),
	)

	metricsAddr := ""
	if o.metricsServer != nil {
		metricsAddr = o.metricsServer.Addr()
	}
	fmt.Fprint(o.out, stats.FormatExitSummary(o.tracker.Snapshot(), stats.SummaryConfig{
		ListenAddr:  o.Addr(),
		MetricsAddr: metricsAddr,
		CommandSet:  o.commands.Name(),
	}))
}

// Ready is closed once the control socket is bound.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Addr returns the bound control address once Ready, else the configured one.
func (o *Orchestrator) Addr() string {
	o.addrMu.Lock()
	defer o.addrMu.Unlock()
	if o.addr != "" {
		return o.addr
	}
	return o.config.ListenAddr
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (o *Orchestrator) MetricsAddr() string {
	if o.metricsServer == nil {
		return ""
	}
	return o.metricsServer.Addr()
}

// Tracker returns the stats tracker for external access.
func (o *Orchestrator) Tracker() *stats.Tracker {
	return o.tracker
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Commands returns the docker command set for external access.
func (o *Orchestrator) Commands() *process.DockerCommands {
	return o.commands
}
