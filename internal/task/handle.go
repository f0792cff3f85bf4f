package task

import (
	"context"
	"net"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// Handle is the registry's grip on a running task.
type Handle struct {
	id        ID
	cmd       wire.Command
	cancel    context.CancelFunc
	conn      net.Conn
	startTime time.Time

	done chan struct{}

	// Written by the task goroutine before done is closed.
	state State
	err   error

	child <-chan *process.Child
}

// ID returns the id of the task.
func (h *Handle) ID() ID {
	return h.id
}

// Command returns the command the task is running.
func (h *Handle) Command() wire.Command {
	return h.cmd
}

// Abort cancels the task's context and closes its connection so that any
// blocked socket read or write returns. It does not wait; use Wait.
func (h *Handle) Abort() {
	h.cancel()
	h.conn.Close()
}

// Wait blocks until the task body has returned and reports how it ended.
// A task aborted through its context reports StateCancelled together with
// the context error.
func (h *Handle) Wait() (State, error) {
	<-h.done
	return h.state, h.err
}

// Done is closed once the task body has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Child receives the streaming child delivered by a follow task.
// It reports false if the task ended without spawning one, if the child was
// already taken, or if ctx ends first.
func (h *Handle) Child(ctx context.Context) (*process.Child, bool) {
	select {
	case child, ok := <-h.child:
		return child, ok && child != nil
	case <-ctx.Done():
		return nil, false
	}
}
