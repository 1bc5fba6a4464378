package transport

import (
	"errors"
	"fmt"
	"os/exec"
)

var (
	// ErrClosed is returned when writing after the process was terminated.
	ErrClosed = errors.New("transport: closed")

	// ErrNotRunning is returned when writing to a process that has exited.
	ErrNotRunning = errors.New("transport: process not running")

	// ErrMultiline is returned by SendLine for text containing a newline.
	ErrMultiline = errors.New("transport: line contains newline")
)

// StartError reports a failure to launch the engine executable.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("transport: start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit of the engine process.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("transport: exit code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Err: err}
	}
	return err
}
