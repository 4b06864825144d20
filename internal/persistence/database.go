// Package persistence defines the Database contract the workflow engine
// drives, plus the built-in implementations (in-memory and SQLite). The
// engine never mutates history in process; every durable write goes through
// a Database and the implementation is responsible for its own isolation.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/pkg/api"
)

// ActivityResult is the outcome of one activity attempt. Output is non-nil
// on success; Error carries the stringified failure otherwise.
type ActivityResult struct {
	Output json.RawMessage
	Error  string
}

// DispatchWorkflowOpts describes a new top-level workflow run.
type DispatchWorkflowOpts struct {
	RayID      uuid.UUID
	WorkflowID uuid.UUID
	Name       string
	Tags       api.Tags
	Input      json.RawMessage

	// Unique asks the store to return the id of an existing non-failed
	// workflow with the same name and tags instead of creating a duplicate.
	Unique bool
}

// DispatchSubWorkflowOpts additionally records a sub workflow event in the
// parent's history, atomically with creating the child row.
type DispatchSubWorkflowOpts struct {
	DispatchWorkflowOpts

	ParentID     uuid.UUID
	Location     history.Location
	LoopLocation history.Location
}

// ActivityEvent is one durable activity-attempt record.
type ActivityEvent struct {
	WorkflowID   uuid.UUID
	Location     history.Location
	LoopLocation history.Location
	Name         string
	InputHash    uint64
	CreateTs     time.Time
	Input        json.RawMessage
	Result       ActivityResult
}

// PublishSignalOpts records a durable signal-send event and delivers the
// signal. Exactly one of WorkflowID (direct) or Tags (tagged) is set.
type PublishSignalOpts struct {
	RayID          uuid.UUID
	FromWorkflowID uuid.UUID
	Location       history.Location
	LoopLocation   history.Location

	SignalID uuid.UUID
	Name     string
	Body     json.RawMessage

	WorkflowID uuid.UUID
	Tags       api.Tags
}

// PullSignalOpts selects the next pending signal for a workflow. When a
// signal is found the store acks it and commits the matching history event
// in the same transaction, so a crash after the pull never loses the signal.
type PullSignalOpts struct {
	WorkflowID   uuid.UUID
	WorkflowName string
	Names        []string
	Location     history.Location
	Version      int
	LoopLocation history.Location

	// LastTry marks the final poll attempt; stores may use it to defer
	// bookkeeping to the last round.
	LastTry bool
}

// FailWorkflowOpts records a terminal or suspended failure. Immediate means
// the run may be rescheduled right away; otherwise the wake fields say when.
// A fatal failure sets none of the wake fields and marks the run FAILED.
type FailWorkflowOpts struct {
	WorkflowID uuid.UUID
	Fatal      bool
	Immediate  bool

	WakeDeadline      *time.Time
	WakeSignals       []string
	WakeSubWorkflowID *uuid.UUID

	Error string
}

// Database is the persistence collaborator the engine consumes. All writes
// must be durable before returning; losing one would corrupt the replay
// determinism guarantee.
type Database interface {
	// DispatchWorkflow creates a workflow run and returns the id actually
	// used, which differs from the requested one under unique semantics.
	DispatchWorkflow(ctx context.Context, opts DispatchWorkflowOpts) (uuid.UUID, error)

	// GetWorkflow returns the record for id, or api.ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*api.WorkflowRecord, error)

	// GetWorkflowHistory materializes the full event history of a run.
	GetWorkflowHistory(ctx context.Context, id uuid.UUID) (*history.History, error)

	// CommitWorkflow writes the terminal output. Idempotent under retry.
	CommitWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error

	// FailWorkflow writes a terminal or suspended failure.
	FailWorkflow(ctx context.Context, opts FailWorkflowOpts) error

	// CommitActivityEvent inserts a new activity record at the event's
	// location, or updates the existing one when a retry appends another
	// attempt.
	CommitActivityEvent(ctx context.Context, ev ActivityEvent) error

	// DispatchSubWorkflow creates the child run and records the sub
	// workflow event in the parent history atomically.
	DispatchSubWorkflow(ctx context.Context, opts DispatchSubWorkflowOpts) (uuid.UUID, error)

	// PublishSignal records a signal-send event and delivers the signal to
	// its target (direct) or to every matching workflow (tagged).
	PublishSignal(ctx context.Context, opts PublishSignalOpts) error

	// PullNextSignal acks and returns the oldest pending signal matching
	// one of the candidate names, or nil when none is pending.
	PullNextSignal(ctx context.Context, opts PullSignalOpts) (*api.Signal, error)

	// CommitSleepEvent records a sleep deadline at the given location.
	CommitSleepEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, deadline time.Time, loopLocation history.Location) error

	// CommitMessageSendEvent records a published message at the location.
	CommitMessageSendEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, name string, body json.RawMessage, loopLocation history.Location) error

	// UpdateLoop advances a loop event's iteration counter, committing the
	// final output once the loop breaks.
	UpdateLoop(ctx context.Context, workflowID uuid.UUID, location history.Location, iteration int, output json.RawMessage, loopLocation history.Location) error

	// PullWakeableWorkflows returns up to limit runs whose wake condition
	// is met at now: immediate reschedules, elapsed deadlines, pending
	// awaited signals, or completed awaited sub workflows.
	PullWakeableWorkflows(ctx context.Context, now time.Time, limit int) ([]*api.WorkflowRecord, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the single-writer
	// lease on a run. A lease held by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, workflowID uuid.UUID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease releases a lease if it is owned by owner. Idempotent.
	ReleaseLease(ctx context.Context, workflowID uuid.UUID, owner string) error
}
