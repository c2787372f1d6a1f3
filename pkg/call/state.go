package call

import "time"

// State is the phase of the single call the controller owns.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes call state changes. It runs on the controller loop
// and must not block or call back into the controller synchronously.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid call state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateActive, StateEnded, StateIdle},
	StateActive:     {StateEnded},
	StateEnded:      {StateIdle},
}

// stateMachine is owned by the controller loop and is not safe for
// concurrent use.
type stateMachine struct {
	current   State
	listeners []StateListener
	now       func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	return &stateMachine{current: StateIdle, now: now}
}

func (m *stateMachine) State() State { return m.current }

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to state and notifies listeners.
func (m *stateMachine) Transition(state State, reason string) error {
	if !transitionValid(m.current, state) {
		return &InvalidTransitionError{From: m.current, To: state}
	}
	event := StateChange{
		From:      m.current,
		To:        state,
		Timestamp: m.now(),
		Reason:    reason,
	}
	m.current = state
	for _, l := range m.listeners {
		l.OnStateChange(event)
	}
	return nil
}

func (m *stateMachine) AddListener(l StateListener) {
	m.listeners = append(m.listeners, l)
}
