package domain

import (
	"errors"
	"fmt"
)

// ErrorKind names the subsystem a failure originated in
type ErrorKind string

const (
	ErrProcess   ErrorKind = "process"
	ErrDetection ErrorKind = "detection"
	ErrTiming    ErrorKind = "timing"
	ErrState     ErrorKind = "state"
	ErrRestart   ErrorKind = "restart"
	ErrTask      ErrorKind = "task"
)

// Error tags a failure with its subsystem so callers can route on kind
// with errors.As instead of matching message text.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and a short operation description
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error from a format string
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the nearest tagged error in err's chain,
// or the empty kind when none is tagged.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// InvalidTransitionError reports a session status change the state machine
// does not permit, such as a plain stop while a waiting period runs.
type InvalidTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s for %s not allowed in current state", e.From, e.To, e.SessionID)
}

// RetriesExhaustedError reports that every relaunch attempt in the retry
// budget failed. The last launch error is preserved for unwrapping.
type RetriesExhaustedError struct {
	SessionID string
	Attempts  int
	LastErr   error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("restart of %s failed after %d attempts: %v", e.SessionID, e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.LastErr
}
