package keel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/pkg/api"
)

// WorkflowCtx is the execution context handed to workflow handlers. It owns
// a cursor over the run's recorded history and, at every engine operation,
// decides between replaying the recorded event and executing for real.
//
// Workflow code must be deterministic: all side effects go through
// activities, all waiting goes through listens, sleeps, and sub workflows.
// Reading the wall clock, random values, or external state directly from a
// handler breaks replay.
//
// A WorkflowCtx is bound to a single execution pass and must not be retained
// or shared across goroutines; within one run, execution is strictly
// sequential.
type WorkflowCtx struct {
	ctx    context.Context
	engine *Engine

	id       uuid.UUID
	name     string
	rayID    uuid.UUID
	createTs time.Time
	tags     api.Tags
	input    []byte
	version  int

	// history is shared read-only across every branch of this run.
	history *history.History
	cursor  history.Cursor
}

// Context returns the host context for the current pass. Activities receive
// it (bounded by their timeout); workflow code should not block on it
// directly.
func (c *WorkflowCtx) Context() context.Context { return c.ctx }

// WorkflowID returns the id of the run being executed.
func (c *WorkflowCtx) WorkflowID() uuid.UUID { return c.id }

// Name returns the workflow name.
func (c *WorkflowCtx) Name() string { return c.name }

// RayID returns the causal trace id shared with sub workflows and signals.
func (c *WorkflowCtx) RayID() uuid.UUID { return c.rayID }

// Tags returns the tags the run was dispatched with.
func (c *WorkflowCtx) Tags() api.Tags { return c.tags.Clone() }

// Logger returns the engine logger annotated with the run's identity.
func (c *WorkflowCtx) Logger() *zap.Logger {
	return c.engine.log.With(
		zap.String("workflow", c.name),
		zap.Stringer("workflow_id", c.id),
	)
}

// Input decodes the run's input into I.
func Input[I any](c *WorkflowCtx) (I, error) {
	return persistence.DecodeValue[I]("workflow input", c.input)
}

// branch creates a child context rooted at the current location and
// advances this cursor past it. The child shares the history snapshot but
// owns an independent cursor; this is how nested control flow gets disjoint
// addressing without a mutable shared tree.
func (c *WorkflowCtx) branch() *WorkflowCtx {
	child := *c
	child.cursor = c.cursor.Branch()
	c.cursor.Advance()
	return &child
}

// loopIteration creates the context one loop iteration executes in: a
// branch rooted under the loop's own location, keyed by iteration index so
// events inside the body get stable addresses across iterations.
func (c *WorkflowCtx) loopIteration(loopLoc history.Location, iteration int) *WorkflowCtx {
	child := *c
	child.cursor = history.Cursor{
		Root:         loopLoc.Append(iteration),
		Idx:          0,
		LoopLocation: loopLoc.Clone(),
	}
	return &child
}

// currentEvent returns the event recorded at the cursor, or nil when the
// cursor has moved past recorded history and the next operation executes
// for real.
func (c *WorkflowCtx) currentEvent() *history.Event {
	return c.history.At(c.cursor.Root, c.cursor.Idx)
}

// checkEvent validates that the recorded event matches the operation the
// code is about to perform. A mismatch means the workflow code changed
// incompatibly with history and the run can never safely continue.
func (c *WorkflowCtx) checkEvent(ev *history.Event, kind history.EventKind, expected string) error {
	if ev.Kind == kind && (expected == "" || ev.Name() == expected) {
		return nil
	}
	desc := string(kind)
	if expected != "" {
		desc += "(" + expected + ")"
	}
	return &api.DivergenceError{
		WorkflowID: c.id,
		Location:   c.cursor.Current().String(),
		Recorded:   ev.Describe(),
		Expected:   desc,
	}
}

// commit runs a store write with the engine's local retry bound. Exhausting
// the retries aborts the pass without touching the run's persisted state.
func (c *WorkflowCtx) commit(write func() error) error {
	if err := c.engine.commitWithRetry(c.ctx, write); err != nil {
		return &api.StoreError{Op: "commit", Cause: err}
	}
	return nil
}
