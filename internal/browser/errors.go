package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by every page operation after Close.
	ErrSessionClosed = errors.New("browser: session closed")

	// ErrNotFound means no strategy resolved to an element.
	ErrNotFound = errors.New("browser: element not found")

	// ErrWaitTimeout is returned by WaitFor when its own timeout elapses.
	ErrWaitTimeout = errors.New("browser: wait timed out")

	// ErrInvalidState means an operation was attempted in the wrong lifecycle state.
	ErrInvalidState = errors.New("browser: invalid session state")
)

// SessionInitError reports a failure to create the browsing context, its
// permission grant or its page.
type SessionInitError struct {
	Step string
	Err  error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("browser: session init failed at %s: %v", e.Step, e.Err)
}

func (e *SessionInitError) Unwrap() error {
	return e.Err
}
