package emergency

// State is the top-level lifecycle of a case.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateScoring     State = "SCORING"
	StateDecided     State = "DECIDED"
	StateDispatching State = "DISPATCHING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

var transitions = map[State]map[State]bool{
	StateReceived:    {StateScoring: true},
	StateScoring:     {StateDecided: true, StateFailed: true},
	StateDecided:     {StateDispatching: true, StateCompleted: true},
	StateDispatching: {StateCompleted: true, StateFailed: true},
	StateCompleted:   {},
	StateFailed:      {},
}

// CanTransitionTo checks the lifecycle table.
func (s State) CanTransitionTo(next State) bool {
	return transitions[s][next]
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ActiveStates lists every non-terminal state.
func ActiveStates() []State {
	return []State{StateReceived, StateScoring, StateDecided, StateDispatching}
}
