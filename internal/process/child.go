package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrForceKilled is returned by Stop when the child ignored SIGTERM.
var ErrForceKilled = errors.New("process did not exit gracefully")

// Child is a running process started by SpawnStreaming.
type Child struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func newChild(cmd *exec.Cmd, stdout, stderr io.ReadCloser) *Child {
	return &Child{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
}

// Pid returns the OS process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Stdout returns the read end of the child's standard output.
func (c *Child) Stdout() io.Reader {
	return c.stdout
}

// Stderr returns the read end of the child's standard error.
func (c *Child) Stderr() io.Reader {
	return c.stderr
}

// Wait reaps the child. Safe to call from several goroutines; all callers
// observe the same result.
func (c *Child) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		close(c.done)
	})
	<-c.done
	return c.waitErr
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Exited reports whether the child has been reaped.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the child is running.
func (c *Child) ExitCode() int {
	if !c.Exited() {
		return -1
	}
	return ExitCode(c.waitErr)
}

// Stop gracefully stops the child's process group.
// It first sends SIGTERM, then SIGKILL if the group doesn't exit within
// timeout, and returns once the child has been reaped.
func (c *Child) Stop(timeout time.Duration) error {
	if c.Exited() {
		return nil
	}

	go c.Wait()

	if err := c.signal(syscall.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return c.Kill()
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		c.signal(syscall.SIGKILL)
		<-c.done
		return ErrForceKilled
	}
}

// Kill sends SIGKILL to the child's process group and waits for it to die.
func (c *Child) Kill() error {
	if c.Exited() {
		return nil
	}
	go c.Wait()
	err := c.signal(syscall.SIGKILL)
	<-c.done
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// signal delivers sig to the child's process group. A reaped child is
// never signalled since its pid may have been reused.
func (c *Child) signal(sig syscall.Signal) error {
	if c.Exited() {
		return nil
	}
	return signalGroup(c.Pid(), sig)
}

// signalGroup sends sig to the process group led by pid, falling back to
// the single process if the group cannot be resolved.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err == nil {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}
