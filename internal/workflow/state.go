package workflow

// Exit codes returned by a launch run.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// State is a step of the launch state machine.
//
//	Idle -> Attempting -> Succeeded | Failed | Interrupted
//	Attempting -> Waiting -> Attempting   (capacity exhausted)
//	loop bound reached -> Exhausted
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateWaiting
	StateSucceeded
	StateFailed
	StateInterrupted
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateInterrupted:
		return "interrupted"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateInterrupted, StateExhausted:
		return true
	default:
		return false
	}
}

// ExitCode maps a terminal state to the process exit code.
func (s State) ExitCode() int {
	switch s {
	case StateSucceeded:
		return ExitSuccess
	case StateInterrupted:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
