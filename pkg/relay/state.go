package relay

// State is the lifecycle phase of a relay session.
type State int

const (
	// StateInitiating: telephony leg accepted, agent leg being set up.
	StateInitiating State = iota
	// StateAwaitingStreamStart: agent leg open, waiting for the telephony
	// start event to learn the stream identifier.
	StateAwaitingStreamStart
	// StateActive: bidirectional forwarding is live.
	StateActive
	// StateClosing: a terminal trigger fired; remaining legs are closed.
	StateClosing
	// StateClosed: all resources released, no messages processed.
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateInitiating:
		return "INITIATING"
	case StateAwaitingStreamStart:
		return "AWAITING_STREAM_START"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions lists the allowed state transitions. The start event may
// arrive before the agent leg finishes connecting, so INITIATING can skip
// straight to ACTIVE.
var validTransitions = map[State][]State{
	StateInitiating:          {StateAwaitingStreamStart, StateActive, StateClosing},
	StateAwaitingStreamStart: {StateActive, StateClosing},
	StateActive:              {StateClosing},
	StateClosing:             {StateClosed},
	StateClosed:              {},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
