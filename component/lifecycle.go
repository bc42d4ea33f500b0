package component

// State represents the current lifecycle state of a component
type State int32

const (
	// StateNotStarted indicates the consume loop has not been started
	StateNotStarted State = iota
	// StateRunning indicates the consume loop is executing tasks
	StateRunning
	// StateStopped indicates the consume loop has exited, or a child was stopped
	StateStopped
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
