package proctor

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAttemptInProgress = errors.New("an active session already exists for this student and exam")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrShuttingDown      = errors.New("proctoring service is shutting down")
	ErrForbidden         = errors.New("caller may not act on this unit")
)

// SessionError wraps a failure with the session and operation it concerns.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
