package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The engine classifies every internal failure along two independent axes:
//
//   - recoverable vs fatal: recoverable errors leave history consistent and
//     permit the run to be retried or woken later; fatal errors permanently
//     fail the run.
//   - retryable: the subset of recoverable errors that compute a wake
//     deadline via exponential backoff instead of waiting on an external
//     event.
//
// Workflow code normally never sees recoverable errors: they travel up
// through WorkflowCtx.Run, which turns them into a persisted wake condition.

// DivergenceError means recorded history no longer matches the operation the
// workflow code is about to perform. It is fatal, never retried, and must
// always propagate untouched: once history and code disagree, no recorded
// result can be trusted.
type DivergenceError struct {
	WorkflowID uuid.UUID
	Location   string
	Recorded   string
	Expected   string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf(
		"history diverged at %s: recorded %s, code expected %s (workflow %s)",
		e.Location, e.Recorded, e.Expected, e.WorkflowID,
	)
}

// IsDivergence reports whether err is (or wraps) a DivergenceError.
func IsDivergence(err error) bool {
	var d *DivergenceError
	return errors.As(err, &d)
}

// ActivityFailureError is returned when an activity attempt fails below its
// retry ceiling. It is recoverable and retryable: the run suspends with a
// backoff deadline and the activity is re-invoked on the next pass.
type ActivityFailureError struct {
	Activity string
	Count    int
	Cause    error
}

func (e *ActivityFailureError) Error() string {
	return fmt.Sprintf("activity %s failed (attempt %d): %v", e.Activity, e.Count, e.Cause)
}

func (e *ActivityFailureError) Unwrap() error { return e.Cause }

// ActivityTimeoutError is an activity attempt that ran past its timeout.
// Same classification as ActivityFailureError.
type ActivityTimeoutError struct {
	Activity string
	Count    int
	Timeout  time.Duration
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %s timed out after %s (attempt %d)", e.Activity, e.Timeout, e.Count)
}

// MaxFailuresError is an activity that exhausted its retry ceiling. Fatal.
type MaxFailuresError struct {
	Activity string
	Count    int
	Cause    error
}

func (e *MaxFailuresError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("activity %s reached max failures (%d)", e.Activity, e.Count)
	}
	return fmt.Sprintf("activity %s reached max failures (%d): %v", e.Activity, e.Count, e.Cause)
}

func (e *MaxFailuresError) Unwrap() error { return e.Cause }

// StoreError wraps a persistence failure that surfaced while a run was
// executing. It is not a workflow outcome: the pass aborts, nothing new is
// persisted about the run, and the scheduler retries it later.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Cause.Error()
}

func (e *StoreError) Unwrap() error { return e.Cause }

// NoSignalError means a listen found no pending signal within its bounded
// poll. Recoverable but not retryable: the run suspends until one of the
// awaited signals is published.
type NoSignalError struct {
	Names []string
}

func (e *NoSignalError) Error() string {
	return "no signal found: " + strings.Join(e.Names, ", ")
}

// SubWorkflowIncompleteError means a dispatched sub workflow has not
// completed within the bounded output poll. Recoverable; the run suspends
// until the sub workflow commits its output.
type SubWorkflowIncompleteError struct {
	SubWorkflowID uuid.UUID
}

func (e *SubWorkflowIncompleteError) Error() string {
	return fmt.Sprintf("sub workflow %s incomplete", e.SubWorkflowID)
}

// SleepError suspends the run until the recorded deadline. Recoverable.
type SleepError struct {
	Deadline time.Time
}

func (e *SleepError) Error() string {
	return fmt.Sprintf("sleeping until %s", e.Deadline.Format(time.RFC3339))
}

// SerializationError means a workflow, activity, or signal payload could not
// be encoded or decoded. Fatal: it indicates a programming error in the
// workflow definition, not a transient condition.
type SerializationError struct {
	What  string
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s: %v", e.What, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// ErrListenCtxUsed is returned when a ListenCtx is polled twice. Each
// ListenCtx may be used exactly once per construction.
var ErrListenCtxUsed = errors.New("listen context already used")

// ErrWorkflowNotFound is returned by stores when no workflow row exists for
// the requested id.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowNotRegistered is returned when a workflow name has no handler
// in the registry.
var ErrWorkflowNotRegistered = errors.New("workflow not registered")

// Recoverable reports whether err leaves history in a consistent state and
// permits the run to be retried or woken later.
func Recoverable(err error) bool {
	var (
		af  *ActivityFailureError
		at  *ActivityTimeoutError
		ns  *NoSignalError
		swi *SubWorkflowIncompleteError
		sl  *SleepError
	)
	return errors.As(err, &af) ||
		errors.As(err, &at) ||
		errors.As(err, &ns) ||
		errors.As(err, &swi) ||
		errors.As(err, &sl)
}

// Retryable reports whether err is a recoverable error whose wake deadline
// is computed via exponential backoff.
func Retryable(err error) bool {
	var (
		af *ActivityFailureError
		at *ActivityTimeoutError
	)
	return errors.As(err, &af) || errors.As(err, &at)
}

// CatchUnrecoverable lets workflow code branch on expected unrecoverable
// failures, such as an activity that is allowed to exhaust its retries.
//
// It returns (err, true) when the failure may be handled in-line. Recoverable
// errors return (err, false) so they keep propagating and suspend the run,
// and divergence always returns (err, false): once history is untrustworthy
// nothing may intercept it.
func CatchUnrecoverable(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if IsDivergence(err) || Recoverable(err) {
		return err, false
	}
	return err, true
}
