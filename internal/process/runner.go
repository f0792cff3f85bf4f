// Package process provides abstractions for running external processes.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// Runner starts external programs on behalf of a task.
// This interface allows tasks to be tested without docker.
type Runner interface {
	// RunToCompletion starts program, waits for it to exit and returns
	// everything it wrote. A non-zero exit status is not an error.
	RunToCompletion(ctx context.Context, program string, args []string) (*Output, error)

	// SpawnStreaming starts program without waiting. The caller owns the
	// returned Child and must eventually Stop or Wait it.
	SpawnStreaming(ctx context.Context, program string, args []string) (*Child, error)
}

// CommandSet maps a wire command to the argv that implements it.
type CommandSet interface {
	// Argv returns the program and arguments for cmd.
	Argv(cmd wire.Command) (program string, args []string)

	// Name returns a human-readable name for this command set.
	Name() string
}

// Output captures the outcome of a process run to completion.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExecRunner implements Runner with os/exec. Every process is started in
// its own process group so that kills reach the program's children too.
type ExecRunner struct {
	logger *slog.Logger

	// waitDelay bounds how long Wait keeps copying output after the
	// process group was killed by context cancellation.
	waitDelay time.Duration
}

// NewExecRunner creates an ExecRunner that logs through logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		logger:    logger,
		waitDelay: 2 * time.Second,
	}
}

// RunToCompletion implements Runner.
// Cancelling ctx kills the whole process group.
func (r *ExecRunner) RunToCompletion(ctx context.Context, program string, args []string) (*Output, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.waitDelay

	r.logger.Debug("process_run", "program", program, "args", args)

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: ExitCode(err),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("run %s: %w", program, err)
		}
	}

	r.logger.Debug("process_finished",
		"program", program,
		"exit_code", out.ExitCode,
		"duration", out.Duration.String(),
	)
	return out, nil
}

// SpawnStreaming implements Runner.
// The child is not bound to ctx; it lives until Stop, Kill or its own exit.
func (r *ExecRunner) SpawnStreaming(ctx context.Context, program string, args []string) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(program, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", program, err)
	}

	child := newChild(cmd, stdout, stderr)
	r.logger.Info("child_spawned", "program", program, "pid", child.Pid())
	return child, nil
}

// ExitCode extracts the exit code from a Wait() error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}

var _ Runner = (*ExecRunner)(nil)
