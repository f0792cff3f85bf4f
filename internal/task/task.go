// Package task drives a single client connection from its decoded command
// to a terminal state.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/logging"
	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/stream"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// ID identifies a task for the lifetime of the server process.
type ID uint64

// DefaultLineQueue is how many child stdout lines may be read ahead of
// the socket writes.
const DefaultLineQueue = 64

// Callbacks contains optional callback functions for task events.
// They are called from the task goroutine and must not block.
type Callbacks struct {
	// OnStateChange is called when the task state changes.
	OnStateChange func(id ID, oldState, newState State)

	// OnSpawn is called when a follow task has started its child.
	OnSpawn func(id ID, pid int)

	// OnLine is called after a line of n bytes was forwarded to the client.
	OnLine func(id ID, n int)

	// OnExit is called once the task reached its terminal state.
	OnExit func(id ID, cmd wire.Command, state State, duration time.Duration, err error)
}

// Config holds the dependencies shared by all tasks.
type Config struct {
	Runner    process.Runner
	Commands  process.CommandSet
	Logger    *slog.Logger
	Verbose   bool
	LineQueue int
	Callbacks Callbacks

	// Exited, when set, receives the task id once the task body returns,
	// whatever the outcome. The server uses it to retire finished tasks.
	Exited chan<- ID
}

// Task is bound 1:1 to an accepted connection.
// It is created by the registry and started with Run.
type Task struct {
	id     ID
	notify chan<- ID
	cfg    Config
	logger *slog.Logger

	state   State
	stateMu sync.RWMutex

	started bool
	startMu sync.Mutex
}

// New creates a task that is not running yet. notify receives the task id
// when the client asks for cancellation.
func New(id ID, notify chan<- ID, cfg Config) *Task {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LineQueue <= 0 {
		cfg.LineQueue = DefaultLineQueue
	}
	return &Task{
		id:     id,
		notify: notify,
		cfg:    cfg,
		logger: logger.With("task_id", uint64(id)),
		state:  StateDispatching,
	}
}

// ID returns the task id.
func (t *Task) ID() ID {
	return t.id
}

// State returns the current state.
func (t *Task) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Task) setState(newState State) {
	t.stateMu.Lock()
	oldState := t.state
	t.state = newState
	t.stateMu.Unlock()

	if oldState != newState && t.cfg.Callbacks.OnStateChange != nil {
		t.cfg.Callbacks.OnStateChange(t.id, oldState, newState)
	}
}

// Run starts the task body in its own goroutine and returns immediately.
// The task owns conn from here on and closes it when it finishes.
// Run panics if called twice.
func (t *Task) Run(ctx context.Context, cmd wire.Command, conn net.Conn) *Handle {
	t.startMu.Lock()
	if t.started {
		t.startMu.Unlock()
		panic(fmt.Sprintf("task %d: Run called twice", t.id))
	}
	t.started = true
	t.startMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	childCh := make(chan *process.Child, 1)

	h := &Handle{
		id:        t.id,
		cmd:       cmd,
		cancel:    cancel,
		conn:      conn,
		done:      make(chan struct{}),
		child:     childCh,
		startTime: time.Now(),
	}

	go t.run(ctx, cmd, conn, h, childCh)
	return h
}

func (t *Task) run(ctx context.Context, cmd wire.Command, conn net.Conn, h *Handle, childCh chan<- *process.Child) {
	var (
		state State
		err   error
	)

	defer func() {
		conn.Close()
		close(childCh)

		h.state = state
		h.err = err
		t.setState(state)

		duration := time.Since(h.startTime)
		t.logger.Info("task_finished",
			"command", cmd.String(),
			"state", state.String(),
			"duration", duration.String(),
			"error", err,
		)
		if t.cfg.Callbacks.OnExit != nil {
			t.cfg.Callbacks.OnExit(t.id, cmd, state, duration, err)
		}

		if t.cfg.Exited != nil {
			select {
			case t.cfg.Exited <- t.id:
			case <-ctx.Done():
			}
		}
		close(h.done)
	}()

	t.setState(StateRunning)
	t.logger.Info("task_started", "command", cmd.String(), "remote", remoteAddr(conn))

	if cmd.Follows() {
		state, err = t.follow(ctx, cmd, conn, childCh)
	} else {
		state, err = t.oneShot(ctx, cmd, conn)
	}
}

// oneShot runs cmd to completion and writes the selected output stream
// back to the client.
func (t *Task) oneShot(ctx context.Context, cmd wire.Command, conn net.Conn) (State, error) {
	program, args := t.cfg.Commands.Argv(cmd)

	out, err := t.cfg.Runner.RunToCompletion(ctx, program, args)
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled, ctx.Err()
		}
		t.writeError(conn, err)
		return StateFailed, err
	}

	t.logger.Debug("command_finished",
		"command", cmd.String(),
		"exit_code", out.ExitCode,
		"stdout_bytes", len(out.Stdout),
		"stderr_bytes", len(out.Stderr),
	)

	payload := process.ClientOutput(cmd, out)
	if len(payload) == 0 {
		return StateCompleted, nil
	}
	if _, err := conn.Write(payload); err != nil {
		if ctx.Err() != nil {
			return StateCancelled, ctx.Err()
		}
		t.logWriteError(err)
		return StateFailed, fmt.Errorf("write output: %w", err)
	}
	return StateCompleted, nil
}

// clientRead is one result of reading a byte from the client.
type clientRead struct {
	b   byte
	err error
}

// lineWrite is the outcome of writing one line to the client.
type lineWrite struct {
	n   int
	err error
}

const (
	// stderrGrace bounds the wait for a finished child's stderr to drain.
	stderrGrace = 250 * time.Millisecond

	// stderrTailLines is how many stderr lines are reported when a child
	// ends without producing any output.
	stderrTailLines = 5
)

// follow streams the child's stdout to the client until the stream ends,
// the client cancels, or the task is aborted.
//
// Socket writes happen on their own goroutine, one line at a time, so a
// client that stops reading cannot keep its cancel byte from being seen.
func (t *Task) follow(ctx context.Context, cmd wire.Command, conn net.Conn, childCh chan<- *process.Child) (State, error) {
	program, args := t.cfg.Commands.Argv(cmd)

	child, err := t.cfg.Runner.SpawnStreaming(ctx, program, args)
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled, ctx.Err()
		}
		t.writeError(conn, err)
		return StateFailed, err
	}

	// Delivered exactly once; teardown owns stopping the child.
	childCh <- child
	if t.cfg.Callbacks.OnSpawn != nil {
		t.cfg.Callbacks.OnSpawn(t.id, child.Pid())
	}

	stderrHandler := logging.NewStderrHandler(uint64(t.id), t.logger, t.cfg.Verbose)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		stderrHandler.HandleReader(child.Stderr())
	}()

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	reader := stream.NewPipeReader(child.Stdout(), 0, t.cfg.LineQueue)
	go reader.Run(streamCtx)

	clientBytes := make(chan clientRead, 1)
	go readClient(streamCtx, conn, clientBytes)

	// A blocked write is released by conn.Close when the task returns.
	pending := make(chan []byte, 1)
	written := make(chan lineWrite, 1)
	go writeLines(streamCtx, conn, pending, written)

	lines := reader.Lines()
	for {
		select {
		case <-ctx.Done():
			return StateCancelled, ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return t.streamEnded(ctx, conn, child.Pid(), reader, stderrHandler, stderrDone)
			}
			pending <- line
			// One write in flight at a time.
			lines = nil

		case w := <-written:
			if w.err != nil {
				if ctx.Err() != nil {
					return StateCancelled, ctx.Err()
				}
				t.logWriteError(w.err)
				return StateFailed, fmt.Errorf("write line: %w", w.err)
			}
			if w.n == 0 {
				return StateCompleted, nil
			}
			if t.cfg.Callbacks.OnLine != nil {
				t.cfg.Callbacks.OnLine(t.id, w.n)
			}
			lines = reader.Lines()

		case r := <-clientBytes:
			if r.err != nil {
				if ctx.Err() != nil {
					return StateCancelled, ctx.Err()
				}
				if errors.Is(r.err, io.EOF) {
					t.logger.Debug("client_closed")
					return StateCompleted, nil
				}
				t.logWriteError(r.err)
				return StateFailed, fmt.Errorf("read client: %w", r.err)
			}
			if r.b != wire.CancelByte {
				t.logger.Debug("client_byte_ignored", "byte", r.b)
				continue
			}

			t.logger.Info("task_cancel_requested")
			select {
			case t.notify <- t.id:
			case <-ctx.Done():
			}
			return StateCancelled, nil
		}
	}
}

// streamEnded settles a follow task whose child closed its stdout. A child
// that wrote nothing at all usually failed (no such container, daemon not
// running), so the tail of its stderr is passed on to the client.
func (t *Task) streamEnded(ctx context.Context, conn net.Conn, pid int, reader *stream.PipeReader, stderr *logging.StderrHandler, stderrDone <-chan struct{}) (State, error) {
	select {
	case <-stderrDone:
	case <-time.After(stderrGrace):
	}

	bytesRead, linesRead := reader.Stats()
	tail := stderr.RecentLines(stderrTailLines)
	t.logger.Debug("child_stream_ended",
		"pid", pid,
		"lines", linesRead,
		"bytes", bytesRead,
		"stderr_tail", tail,
	)

	if err := reader.Err(); err != nil && ctx.Err() == nil {
		return StateFailed, fmt.Errorf("read child output: %w", err)
	}
	if linesRead == 0 && len(tail) > 0 {
		for _, line := range tail {
			if _, err := fmt.Fprintf(conn, "error: %s\n", line); err != nil {
				t.logWriteError(err)
				break
			}
		}
	}
	return StateCompleted, nil
}

// writeLines writes each line from in to conn and reports the result on
// out. It returns after the first error or when ctx is done.
func writeLines(ctx context.Context, conn net.Conn, in <-chan []byte, out chan<- lineWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-in:
			n, err := conn.Write(line)
			select {
			case out <- lineWrite{n: n, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// readClient reads single bytes from conn until an error, delivering each
// result on out. It returns after the first error.
func readClient(ctx context.Context, conn net.Conn, out chan<- clientRead) {
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		var r clientRead
		switch {
		case n == 1:
			r.b = buf[0]
		case err != nil:
			r.err = err
		default:
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
		if r.err != nil {
			return
		}
	}
}

// writeError sends a best-effort error line to the client.
func (t *Task) writeError(conn net.Conn, err error) {
	t.logger.Warn("task_command_failed", "error", err)
	if _, werr := fmt.Fprintf(conn, "error: %v\n", err); werr != nil {
		t.logger.Debug("error_write_failed", "error", werr)
	}
}

func (t *Task) logWriteError(err error) {
	if wire.IsExpectedCloseError(err) {
		t.logger.Debug("client_connection_closed", "error", err)
		return
	}
	t.logger.Warn("client_io_error", "error", err)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
