package run

// State is the lifecycle state of a run.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateExited, StateCrashed, StateFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateExited, StateCrashed},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a valid lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// classify maps the outcome of a finished process to its terminal state.
func classify(stopRequested bool, exitCode int) State {
	switch {
	case stopRequested:
		return StateStopped
	case exitCode == 0:
		return StateExited
	default:
		return StateCrashed
	}
}
