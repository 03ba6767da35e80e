package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a task id does not resolve to a row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLeaseExpired is returned when a transition is attempted by an owner
	// whose lease has been revoked. The dispatcher swallows it; the watchdog
	// has already recovered the row.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrConcurrency is returned when an optimistic update lost its race
	// after the retry budget. Callers should re-fetch and re-apply.
	ErrConcurrency = errors.New("concurrent modification")

	// ErrDependencyNotSatisfied is returned when a task's depends_on set is
	// not fully DONE.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
)

// TransitionError reports an illegal state pair or an unmet guard. It is the
// caller's bug and is surfaced as-is.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// IsTransitionError reports whether err is a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
