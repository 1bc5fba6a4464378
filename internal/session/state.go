package session

import "kalix-bridge/internal/protocol"

// State is the lifecycle state of a session.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Terminal reports whether s is absorbing. Inbound messages never move a
// session out of a terminal state.
func (s State) Terminal() bool {
	return s == StateError || s == StateTerminated
}

// Active reports whether the session can still talk to its engine.
func (s State) Active() bool { return !s.Terminal() }

// transition returns the state after a message of kind arrives in s.
// recoverable marks an error the engine or the active program declared
// non-fatal.
func transition(s State, kind protocol.Kind, recoverable bool) State {
	if s.Terminal() {
		return s
	}
	switch kind {
	case protocol.KindReady:
		return StateReady
	case protocol.KindBusy:
		// Only a ready engine can be busy with a command.
		if s != StateStarting {
			return StateBusy
		}
	case protocol.KindResult, protocol.KindStopped:
		if s == StateBusy {
			return StateReady
		}
	case protocol.KindError:
		if !recoverable {
			return StateError
		}
	}
	return s
}
