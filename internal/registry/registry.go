// Package registry keeps the table of live tasks, indexed by task id.
//
// A Registry is owned by a single goroutine (the server loop). Only the
// teardown of a deleted task runs elsewhere, and it touches nothing but the
// handle it was given.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/task"
)

// DefaultKillTimeout is how long a follow child gets between SIGTERM and
// SIGKILL during teardown.
const DefaultKillTimeout = 5 * time.Second

// Callbacks contains optional callback functions for registry events.
type Callbacks struct {
	// OnRegister is called when a new id is allocated.
	OnRegister func(id task.ID)

	// OnTeardown is called when a deleted task has been fully reaped.
	// pid is 0 when the task never spawned a child.
	OnTeardown func(id task.ID, pid int, err error)
}

// Config holds configuration for creating a Registry.
type Config struct {
	// Task is the configuration every registered task is built with.
	Task task.Config

	KillTimeout time.Duration
	Logger      *slog.Logger
	Callbacks   Callbacks
}

// Registry is a dense table of task handles plus the next-id counter.
// table[id] is nil once the task was deleted or if it was never stored.
// Ids are never reused.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	table  []*task.Handle
	nextID task.ID
	live   int

	teardowns sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Register allocates the next id and builds a task that is not running yet.
// notify is handed to the task for cancellation requests.
func (r *Registry) Register(notify chan<- task.ID) *task.Task {
	id := r.nextID
	r.nextID++

	r.logger.Debug("task_registered", "task_id", uint64(id))
	if r.cfg.Callbacks.OnRegister != nil {
		r.cfg.Callbacks.OnRegister(id)
	}
	return task.New(id, notify, r.cfg.Task)
}

// Store records a running task's handle, growing the table as needed.
func (r *Registry) Store(h *task.Handle) {
	id := int(h.ID())
	if id >= len(r.table) {
		grown := make([]*task.Handle, id+1, max(id+1, 2*len(r.table)))
		copy(grown, r.table)
		r.table = grown
	}
	if r.table[id] == nil {
		r.live++
	}
	r.table[id] = h
}

// Get returns the handle stored for id, if it is live.
func (r *Registry) Get(id task.ID) (*task.Handle, bool) {
	if uint64(id) >= uint64(len(r.table)) {
		return nil, false
	}
	h := r.table[id]
	return h, h != nil
}

// Delete retires id. Deleting an id that is out of range or already empty
// does nothing. Otherwise the slot is cleared immediately and the task is
// torn down in the background: aborted, awaited, and its child (if any)
// stopped and reaped. Teardown errors are logged and otherwise ignored.
func (r *Registry) Delete(id task.ID) {
	h, ok := r.Get(id)
	if !ok {
		return
	}
	r.table[id] = nil
	r.live--

	r.logger.Debug("task_deleted", "task_id", uint64(id))

	r.teardowns.Add(1)
	go func() {
		defer r.teardowns.Done()
		r.teardown(h)
	}()
}

func (r *Registry) teardown(h *task.Handle) {
	id := h.ID()
	logger := r.logger.With("task_id", uint64(id))

	h.Abort()
	state, taskErr := h.Wait()
	logger.Debug("task_reaped", "state", state.String(), "error", taskErr)

	var (
		pid int
		err error
	)

	// The task body has returned, so the delivery channel is closed and
	// this receive cannot block.
	if child, ok := h.Child(context.Background()); ok {
		pid = child.Pid()
		err = child.Stop(r.cfg.KillTimeout)
		if err != nil {
			logger.Debug("child_stop_error", "pid", pid, "error", err)
		}
		logger.Info("child_killed", "pid", pid, "exit_code", child.ExitCode())
	}

	if r.cfg.Callbacks.OnTeardown != nil {
		r.cfg.Callbacks.OnTeardown(id, pid, err)
	}
}

// Len returns the number of table slots, live or not.
func (r *Registry) Len() int {
	return len(r.table)
}

// Live returns the number of occupied slots.
func (r *Registry) Live() int {
	return r.live
}

// NextID returns the id the next Register will allocate.
func (r *Registry) NextID() task.ID {
	return r.nextID
}

// LiveIDs returns the ids of all live tasks in ascending order.
func (r *Registry) LiveIDs() []task.ID {
	ids := make([]task.ID, 0, r.live)
	for i, h := range r.table {
		if h != nil {
			ids = append(ids, task.ID(i))
		}
	}
	return ids
}

// Shutdown deletes every live task and waits for all teardowns, including
// ones started earlier, until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := r.LiveIDs()
	r.logger.Info("registry_shutdown", "live_tasks", len(ids))
	for _, id := range ids {
		r.Delete(id)
	}

	done := make(chan struct{})
	go func() {
		r.teardowns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
