package task

// State represents where a task is in its lifecycle.
type State int

const (
	// StateDispatching is the initial state: the command is decoded but
	// nothing has been started yet.
	StateDispatching State = iota

	// StateRunning indicates the task is running its command or streaming.
	StateRunning

	// StateCompleted indicates the command finished or the stream ended.
	StateCompleted

	// StateCancelled indicates the client sent the cancel byte or the
	// registry aborted the task.
	StateCancelled

	// StateFailed indicates a spawn or socket error ended the task.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDispatching:
		return "dispatching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for completed, cancelled and failed tasks.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
