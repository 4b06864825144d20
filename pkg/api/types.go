package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle state of a workflow run.
type WorkflowState string

const (
	// StateRunning means the workflow has no terminal output yet and no
	// recorded wake condition; a runner may pick it up immediately.
	StateRunning WorkflowState = "RUNNING"

	// StateSleeping means the workflow suspended itself and recorded a wake
	// condition (deadline, signal names, or a sub workflow id).
	StateSleeping WorkflowState = "SLEEPING"

	// StateCompleted means the workflow committed its final output.
	StateCompleted WorkflowState = "COMPLETED"

	// StateFailed means the workflow hit an unrecoverable error and will
	// never be scheduled again.
	StateFailed WorkflowState = "FAILED"
)

// Tags is a flat string map attached to workflows and signals. Tag matching
// is subset semantics: a tagged signal reaches a workflow when every tag on
// the signal is present, with the same value, on the workflow.
type Tags map[string]string

// Matches reports whether every entry of t is present in other.
func (t Tags) Matches(other Tags) bool {
	for k, v := range t {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of t. A nil receiver yields nil.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// WorkflowRecord is the persisted view of one workflow run. It is created
// once by a dispatch and afterwards mutated only by the engine appending
// events and eventually writing a terminal output or error.
type WorkflowRecord struct {
	ID       uuid.UUID
	Name     string
	CreateTs time.Time

	// RayID is the causal trace id shared by a workflow, its sub workflows
	// and every signal either of them sends.
	RayID uuid.UUID

	Input json.RawMessage
	Tags  Tags

	// Output is non-nil only once the workflow has completed.
	Output json.RawMessage

	// Error holds the stringified terminal or most recent recoverable error.
	Error string

	// Wake conditions recorded when the run suspended. The external
	// scheduler re-invokes the workflow when any of them is met.
	WakeDeadline      *time.Time
	WakeSignals       []string
	WakeSubWorkflowID *uuid.UUID

	// Immediate is set when the last failure asked for an immediate retry
	// rather than a deadline-based one.
	Immediate bool

	State WorkflowState
}

// HasOutput reports whether the run reached a terminal successful state.
func (r *WorkflowRecord) HasOutput() bool {
	return r.Output != nil
}

// Signal is one external event delivered to a workflow. A signal is owned by
// the target workflow once delivered and consumed at most once.
type Signal struct {
	ID       uuid.UUID
	Name     string
	Body     json.RawMessage
	CreateTs time.Time
}
