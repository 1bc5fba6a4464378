package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session: not found")
	ErrSessionNotActive   = errors.New("session: not active")
	ErrSessionNotReady    = errors.New("session: not ready for commands")
	ErrNotBusy            = errors.New("session: no operation in progress")
	ErrNotInterruptible   = errors.New("session: operation is not interruptible")
	ErrSessionStillActive = errors.New("session: still active")
	ErrSessionExists      = errors.New("session: key already in use")
	ErrStartTimeout       = errors.New("session: engine did not become ready")
	ErrEngineExited       = errors.New("session: engine exited")
	ErrStartFailed        = errors.New("session: engine reported an error during startup")
	ErrProgramActive      = errors.New("session: a program is already running")
	ErrMaxSessions        = errors.New("session: maximum sessions reached")
	ErrShutdown           = errors.New("session: manager is shut down")
)

// OpError reports an operation refused because of the session's state.
type OpError struct {
	Key   string
	State State
	Op    string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in state %s: %v", e.Key, e.Op, e.State, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
