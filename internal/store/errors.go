package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrEventNotFound = errors.New("crisis event not found")
	ErrCaseNotFound  = errors.New("conflict case not found")
)

// StaleStateError reports a failed compare-and-swap: the persisted status no
// longer matches the status the caller observed. Callers retry against fresh
// state; this is never surfaced to a submitter as a failure.
type StaleStateError struct {
	Entity   string // "agent" or "task"
	ID       string
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state: %s %s is %q, expected %q", e.Entity, e.ID, e.Actual, e.Expected)
}

// IsStale reports whether err is a StaleStateError.
func IsStale(err error) bool {
	var stale *StaleStateError
	return errors.As(err, &stale)
}
