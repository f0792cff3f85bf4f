package task

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/logging"
	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// =============================================================================
// Test helpers
// =============================================================================

// scriptCommands maps each command to a shell script.
type scriptCommands map[wire.Command]string

func (s scriptCommands) Name() string { return "script" }

func (s scriptCommands) Argv(cmd wire.Command) (string, []string) {
	script, ok := s[cmd]
	if !ok {
		return "/nonexistent/mc-remote-test-binary", nil
	}
	return "sh", []string{"-c", script}
}

// connPair returns the server and client ends of a loopback TCP connection.
func connPair(t *testing.T) (server, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func newTestTask(id ID, notify chan<- ID, commands scriptCommands, callbacks Callbacks) *Task {
	logger := logging.Discard()
	return New(id, notify, Config{
		Runner:    process.NewExecRunner(logger),
		Commands:  commands,
		Logger:    logger,
		Callbacks: callbacks,
	})
}

func waitHandle(t *testing.T, h *Handle) (State, error) {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
		return 0, nil
	}
}

// stopChild stops the follow child if one was delivered.
func stopChild(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if child, ok := h.Child(ctx); ok {
		_ = child.Stop(time.Second)
	}
}

func readLines(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var lines []string
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read line %d: %v (got %q)", i, err, lines)
		}
		lines = append(lines, line)
	}
	return lines
}

// =============================================================================
// State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDispatching, "dispatching"},
		{StateRunning, "running"},
		{StateCompleted, "completed"},
		{StateCancelled, "cancelled"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StateDispatching, StateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s: IsTerminal = true", s)
		}
	}
	for _, s := range []State{StateCompleted, StateCancelled, StateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s: IsTerminal = false", s)
		}
	}
}

// =============================================================================
// One-shot commands
// =============================================================================

func TestOneShot_WritesSelectedStream(t *testing.T) {
	tests := []struct {
		name string
		cmd  wire.Command
		want string
	}{
		{"start returns stderr", wire.Start, "Container lads-mc  Started\n"},
		{"stop returns stderr", wire.Stop, "Container lads-mc  Stopped\n"},
		{"logs once returns stdout", wire.LogsOnce, "line 1\nline 2\n"},
	}

	commands := scriptCommands{
		wire.Start:    "echo ignored; echo 'Container lads-mc  Started' >&2",
		wire.Stop:     "echo 'Container lads-mc  Stopped' >&2",
		wire.LogsOnce: "printf 'line 1\\nline 2\\n'; echo noise >&2",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := connPair(t)
			task := newTestTask(1, make(chan ID, 1), commands, Callbacks{})

			h := task.Run(context.Background(), tt.cmd, server)

			got, err := io.ReadAll(client)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("client got %q, want %q", got, tt.want)
			}

			state, err := waitHandle(t, h)
			if state != StateCompleted || err != nil {
				t.Errorf("Wait() = (%s, %v), want (completed, nil)", state, err)
			}
			if task.State() != StateCompleted {
				t.Errorf("State() = %s", task.State())
			}
		})
	}
}

func TestOneShot_SpawnFailureReportsError(t *testing.T) {
	server, client := connPair(t)
	task := newTestTask(2, make(chan ID, 1), scriptCommands{}, Callbacks{})

	h := task.Run(context.Background(), wire.Restart, server)

	got, _ := io.ReadAll(client)
	if !strings.HasPrefix(string(got), "error:") {
		t.Errorf("client got %q, want error text", got)
	}

	state, err := waitHandle(t, h)
	if state != StateFailed || err == nil {
		t.Errorf("Wait() = (%s, %v), want failed with error", state, err)
	}
}

func TestOneShot_NoChildDelivered(t *testing.T) {
	server, client := connPair(t)
	task := newTestTask(3, make(chan ID, 1), scriptCommands{wire.Stop: "true"}, Callbacks{})

	h := task.Run(context.Background(), wire.Stop, server)
	_, _ = io.ReadAll(client)
	waitHandle(t, h)

	if child, ok := h.Child(context.Background()); ok || child != nil {
		t.Errorf("Child() = (%v, %v), want (nil, false)", child, ok)
	}
}

func TestOneShot_AbortKillsCommand(t *testing.T) {
	server, _ := connPair(t)
	task := newTestTask(4, make(chan ID, 1), scriptCommands{wire.Start: "sleep 30"}, Callbacks{})

	h := task.Run(context.Background(), wire.Start, server)
	time.Sleep(100 * time.Millisecond)
	h.Abort()

	state, err := waitHandle(t, h)
	if state != StateCancelled {
		t.Errorf("state = %s, want cancelled", state)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Follow mode
// =============================================================================

func TestFollow_CancelByte(t *testing.T) {
	server, client := connPair(t)
	notify := make(chan ID, 1)
	task := newTestTask(7, notify, scriptCommands{wire.LogsFollow: "echo A; echo B; sleep 30"}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)

	lines := readLines(t, bufio.NewReader(client), 2)
	if lines[0] != "A\n" || lines[1] != "B\n" {
		t.Errorf("lines = %q", lines)
	}

	if err := wire.WriteCancel(client); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case id := <-notify:
		if id != 7 {
			t.Errorf("notified id = %d, want 7", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cancellation notification")
	}

	state, err := waitHandle(t, h)
	if state != StateCancelled || err != nil {
		t.Errorf("Wait() = (%s, %v), want (cancelled, nil)", state, err)
	}

	child, ok := h.Child(context.Background())
	if !ok {
		t.Fatal("follow task did not deliver its child")
	}
	if child.Exited() {
		t.Error("task should leave the child for teardown")
	}
	if err := child.Stop(time.Second); err != nil && !errors.Is(err, process.ErrForceKilled) {
		t.Logf("stop: %v", err)
	}

	if _, ok := h.Child(context.Background()); ok {
		t.Error("child delivered twice")
	}
}

func TestFollow_IgnoresOtherBytes(t *testing.T) {
	server, client := connPair(t)
	notify := make(chan ID, 1)
	task := newTestTask(8, notify, scriptCommands{wire.LogsFollow: "echo ready; sleep 30"}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	readLines(t, bufio.NewReader(client), 1)

	if _, err := client.Write([]byte{'x', 0, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("task ended on a non-cancel byte")
	case <-time.After(200 * time.Millisecond):
	}

	if err := wire.WriteCancel(client); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	if state, _ := waitHandle(t, h); state != StateCancelled {
		t.Errorf("state = %s, want cancelled", state)
	}
}

func TestFollow_ChildEOFCompletes(t *testing.T) {
	server, client := connPair(t)
	var lineBytes int
	var mu sync.Mutex
	callbacks := Callbacks{
		OnLine: func(id ID, n int) {
			mu.Lock()
			lineBytes += n
			mu.Unlock()
		},
	}
	task := newTestTask(9, make(chan ID, 1), scriptCommands{wire.LogsFollow: "printf 'one\\ntwo\\nlast'"}, callbacks)

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "one\ntwo\nlast" {
		t.Errorf("client got %q", got)
	}

	state, err := waitHandle(t, h)
	if state != StateCompleted || err != nil {
		t.Errorf("Wait() = (%s, %v), want (completed, nil)", state, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lineBytes != len("one\ntwo\nlast") {
		t.Errorf("OnLine total = %d", lineBytes)
	}
}

func TestFollow_ClientCloseCompletes(t *testing.T) {
	server, client := connPair(t)
	notify := make(chan ID, 1)
	task := newTestTask(10, notify, scriptCommands{wire.LogsFollow: "echo hi; sleep 30"}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	readLines(t, bufio.NewReader(client), 1)
	client.Close()

	state, err := waitHandle(t, h)
	if state != StateCompleted || err != nil {
		t.Errorf("Wait() = (%s, %v), want (completed, nil)", state, err)
	}

	select {
	case id := <-notify:
		t.Errorf("unexpected cancellation notification for %d", id)
	default:
	}
}

func TestFollow_AbortCancels(t *testing.T) {
	server, client := connPair(t)
	task := newTestTask(11, make(chan ID, 1), scriptCommands{wire.LogsFollow: "echo hi; sleep 30"}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	readLines(t, bufio.NewReader(client), 1)
	h.Abort()

	state, err := waitHandle(t, h)
	if state != StateCancelled || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = (%s, %v), want cancelled with context.Canceled", state, err)
	}

	// The connection is closed, so the client sees EOF.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		t.Errorf("client read after abort: %v", err)
	}
}

func TestFollow_SpawnFailure(t *testing.T) {
	server, client := connPair(t)
	task := newTestTask(12, make(chan ID, 1), scriptCommands{}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)

	got, _ := io.ReadAll(client)
	if len(got) == 0 {
		t.Error("expected error text on spawn failure")
	}
	if state, _ := waitHandle(t, h); state != StateFailed {
		t.Errorf("state = %s, want failed", state)
	}
	if _, ok := h.Child(context.Background()); ok {
		t.Error("no child should be delivered on spawn failure")
	}
}

func TestFollow_CancelWhileWriteBlocked(t *testing.T) {
	server, client := connPair(t)
	notify := make(chan ID, 1)
	line := strings.Repeat("x", 64)
	task := newTestTask(13, notify, scriptCommands{wire.LogsFollow: "yes " + line}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	// The client never reads, so the socket buffers fill and a line
	// write stays blocked.
	time.Sleep(500 * time.Millisecond)
	if err := wire.WriteCancel(client); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case id := <-notify:
		if id != 13 {
			t.Errorf("notified id = %d, want 13", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancel byte not handled while a write was blocked; state=%s", task.State())
	}

	state, err := waitHandle(t, h)
	if state != StateCancelled || err != nil {
		t.Errorf("Wait() = (%s, %v), want (cancelled, nil)", state, err)
	}
}

func TestFollow_SilentChildReportsStderr(t *testing.T) {
	server, client := connPair(t)
	script := "echo 'Error response from daemon: No such container: lads-mc' >&2; exit 1"
	task := newTestTask(14, make(chan ID, 1), scriptCommands{wire.LogsFollow: script}, Callbacks{})

	h := task.Run(context.Background(), wire.LogsFollow, server)
	defer stopChild(t, h)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "error: Error response from daemon: No such container: lads-mc\n"
	if string(got) != want {
		t.Errorf("client got %q, want %q", got, want)
	}

	state, err := waitHandle(t, h)
	if state != StateCompleted || err != nil {
		t.Errorf("Wait() = (%s, %v), want (completed, nil)", state, err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestTask_CallbacksAndExited(t *testing.T) {
	server, client := connPair(t)

	var (
		mu          sync.Mutex
		transitions []State
		exitState   State
		exitCmd     wire.Command
	)
	exited := make(chan ID, 1)

	logger := logging.Discard()
	task := New(20, make(chan ID, 1), Config{
		Runner:   process.NewExecRunner(logger),
		Commands: scriptCommands{wire.Stop: "echo stopped >&2"},
		Logger:   logger,
		Exited:   exited,
		Callbacks: Callbacks{
			OnStateChange: func(id ID, oldState, newState State) {
				mu.Lock()
				transitions = append(transitions, newState)
				mu.Unlock()
			},
			OnExit: func(id ID, cmd wire.Command, state State, d time.Duration, err error) {
				mu.Lock()
				exitState, exitCmd = state, cmd
				mu.Unlock()
			},
		},
	})

	h := task.Run(context.Background(), wire.Stop, server)
	_, _ = io.ReadAll(client)

	select {
	case id := <-exited:
		if id != 20 {
			t.Errorf("exited id = %d", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit notification")
	}
	waitHandle(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != StateRunning || transitions[1] != StateCompleted {
		t.Errorf("transitions = %v", transitions)
	}
	if exitState != StateCompleted || exitCmd != wire.Stop {
		t.Errorf("OnExit got (%s, %s)", exitState, exitCmd)
	}
	if h.ID() != 20 || h.Command() != wire.Stop {
		t.Errorf("handle = (%d, %s)", h.ID(), h.Command())
	}
}

func TestTask_RunTwicePanics(t *testing.T) {
	server, client := connPair(t)
	task := newTestTask(30, make(chan ID, 1), scriptCommands{wire.Stop: "true"}, Callbacks{})

	h := task.Run(context.Background(), wire.Stop, server)
	defer func() {
		if recover() == nil {
			t.Error("second Run did not panic")
		}
		_, _ = io.ReadAll(client)
		waitHandle(t, h)
	}()
	task.Run(context.Background(), wire.Stop, server)
}

func TestNew_Defaults(t *testing.T) {
	task := New(5, nil, Config{})
	if task.ID() != 5 {
		t.Errorf("ID() = %d", task.ID())
	}
	if task.State() != StateDispatching {
		t.Errorf("State() = %s, want dispatching", task.State())
	}
	if task.cfg.LineQueue != DefaultLineQueue {
		t.Errorf("LineQueue = %d", task.cfg.LineQueue)
	}
}
