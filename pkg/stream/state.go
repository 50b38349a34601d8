package stream

import (
	"fmt"
	"time"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

type State int

const (
	StateIdle State = iota
	StateReady
	StateActive
	StateSubmitting
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateSubmitting:
		return "SUBMITTING"
	case StateError:
		return "ERROR"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("stream: unknown state %q", b)
}

// Live reports whether a capture session is running in this state.
func (s State) Live() bool { return s == StateActive || s == StateSubmitting }

var validTransitions = map[State][]State{
	StateIdle:       {StateReady, StateError},
	StateReady:      {StateReady, StateActive, StateError},
	StateActive:     {StateSubmitting, StateStopped},
	StateSubmitting: {StateActive, StateStopped},
	StateError:      {StateReady, StateError},
	StateStopped:    {StateReady, StateError},
}

// StateChange is emitted on every transition. Message carries the cause of an Error state.
type StateChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Message   string    `json:"message,omitempty"`
	Session   string    `json:"session,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StateListener interface {
	OnStateChange(event StateChange)
}

// Update is emitted when a submission of the current session completes.
type Update struct {
	Session     string                       `json:"session"`
	Seq         uint64                       `json:"seq"`
	Translation *landmarks.TranslationResult `json:"translation,omitempty"`
	Notice      string                       `json:"notice,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Timestamp   time.Time                    `json:"timestamp"`
}

type UpdateListener interface {
	OnUpdate(update Update)
}

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// machine holds the state and its message. It has no lock of its own; the
// orchestrator mutates it under its mutex and emits the returned events afterwards.
type machine struct {
	state   State
	message string
}

func (m *machine) transition(to State, message string) (StateChange, bool, error) {
	from := m.state
	if !transitionValid(from, to) {
		return StateChange{}, false, &InvalidTransitionError{From: from, To: to}
	}
	if from == to && m.message == message {
		return StateChange{}, false, nil
	}
	m.state = to
	m.message = message
	return StateChange{From: from, To: to, Message: message, Timestamp: time.Now()}, true, nil
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
