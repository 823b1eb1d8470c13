package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session, execution, contract or artifact
// does not exist (or is hidden by tenant scoping).
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable marks a backing service as unreachable after the
// driver exhausted its retries.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ValidationError rejects malformed input synchronously; it never enters
// the WAL.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsolationError is a tenant mismatch. Always a hard failure; it indicates
// either a bug or an attack and is logged at elevated severity.
type IsolationError struct {
	Have string
	Want string
}

func (e IsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation: have %q, want %q", e.Have, e.Want)
}

// DurabilityError wraps a failed WAL or state write. It must propagate to
// the caller, never be swallowed: downstream invariants assume the write
// succeeded.
type DurabilityError struct {
	Op  string
	Err error
}

func (e DurabilityError) Error() string { return fmt.Sprintf("durability failure: %s: %v", e.Op, e.Err) }
func (e DurabilityError) Unwrap() error { return e.Err }

// PolicyDeniedError is a terminal materialization refusal; it is not retried.
type PolicyDeniedError struct {
	Reason string
}

func (e PolicyDeniedError) Error() string { return "policy denied: " + e.Reason }

// StepError is a domain handler failure inside a saga step. It triggers
// compensation but is not fatal to the runtime.
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e StepError) Unwrap() error { return e.Err }
