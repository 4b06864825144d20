package keel

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/pkg/api"
)

// SubWorkflow starts building a nested workflow invocation. Finish with
// Dispatch to fire and forget, or pass the builder to Output to wait for
// the child's result.
func (c *WorkflowCtx) SubWorkflow(name string, input any) *SubWorkflowBuilder {
	return &SubWorkflowBuilder{c: c, name: name, input: input}
}

// SubWorkflowBuilder accumulates dispatch options for one sub workflow.
type SubWorkflowBuilder struct {
	c     *WorkflowCtx
	name  string
	input any
	tags  api.Tags

	unique bool
}

// Tag adds one tag to the child workflow.
func (b *SubWorkflowBuilder) Tag(k, v string) *SubWorkflowBuilder {
	if b.tags == nil {
		b.tags = api.Tags{}
	}
	b.tags[k] = v
	return b
}

// Tags merges tags into the child workflow's tags.
func (b *SubWorkflowBuilder) Tags(tags api.Tags) *SubWorkflowBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

// Unique asks the store to reuse an existing non-failed workflow with the
// same name and tags instead of creating a duplicate. The returned id then
// belongs to the pre-existing run.
func (b *SubWorkflowBuilder) Unique() *SubWorkflowBuilder {
	b.unique = true
	return b
}

// Dispatch records the sub workflow and returns its id without waiting for
// it to finish. On replay the previously assigned id is returned.
//
// The bool reports whether a new run was created. Under Unique the returned
// id may belong to a pre-existing run, in which case it is false. The
// requested id is derived from the parent id and the call site's location,
// so the report is stable across replays.
func (b *SubWorkflowBuilder) Dispatch() (uuid.UUID, bool, error) {
	c := b.c

	requested := uuid.NewSHA1(c.id, []byte(c.cursor.Current().String()))

	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindSubWorkflow, b.name); err != nil {
			return uuid.Nil, false, err
		}
		c.cursor.Advance()
		return ev.SubWorkflowID, ev.SubWorkflowID == requested, nil
	}

	input, err := persistence.EncodeValue("sub workflow input", b.input)
	if err != nil {
		return uuid.Nil, false, err
	}

	var id uuid.UUID
	if err := c.commit(func() error {
		var err error
		id, err = c.engine.db.DispatchSubWorkflow(c.ctx, persistence.DispatchSubWorkflowOpts{
			DispatchWorkflowOpts: persistence.DispatchWorkflowOpts{
				RayID:      c.rayID,
				WorkflowID: requested,
				Name:       b.name,
				Tags:       b.tags,
				Input:      input,
				Unique:     b.unique,
			},
			ParentID:     c.id,
			Location:     c.cursor.Current(),
			LoopLocation: c.cursor.LoopLocation,
		})
		return err
	}); err != nil {
		return uuid.Nil, false, err
	}

	c.engine.publishWake(c.ctx, id)

	c.cursor.Advance()
	return id, id == requested, nil
}

// Output runs the sub workflow to completion and returns its result.
//
// When the child's handler is registered locally, its code runs directly in
// this process on a branched context sharing the parent's history: the
// child's events record under a child location and no separate workflow row
// exists. When it is not registered, the child is dispatched externally and
// its output polled; if it does not finish within the poll window the
// parent suspends until the child completes.
//
// Whether a name is locally registered is part of the deterministic
// contract: changing registry membership between the dispatch and a later
// replay makes history diverge. Keep the registry stable for in-flight runs.
func Output[O any](b *SubWorkflowBuilder) (O, error) {
	var zero O
	c := b.c

	// A recorded sub workflow event pins the run to the external path,
	// regardless of current registry membership.
	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindSubWorkflow, b.name); err != nil {
			return zero, err
		}
		c.cursor.Advance()
		return awaitSubWorkflowOutput[O](c, ev.SubWorkflowID)
	}

	if entry, ok := c.engine.registry.get(b.name); ok {
		return runInline[O](c, entry, b)
	}

	c.Logger().Warn("sub workflow not registered locally, dispatching externally",
		zap.String("sub_workflow", b.name),
	)
	id, _, err := b.Dispatch()
	if err != nil {
		return zero, err
	}
	return awaitSubWorkflowOutput[O](c, id)
}

// runInline executes the child handler on a branch of the parent context.
func runInline[O any](c *WorkflowCtx, entry *registryEntry, b *SubWorkflowBuilder) (O, error) {
	var zero O

	input, err := persistence.EncodeValue("sub workflow input", b.input)
	if err != nil {
		return zero, err
	}

	child := c.branch()
	child.name = b.name
	child.input = input
	child.version = entry.version
	if b.tags != nil {
		child.tags = b.tags.Clone()
	}

	out, err := entry.fn(child)
	if err != nil {
		return zero, err
	}
	return persistence.DecodeValue[O]("sub workflow output", out)
}

// awaitSubWorkflowOutput polls the child's record for a committed output,
// suspending the parent when the poll window closes first.
func awaitSubWorkflowOutput[O any](c *WorkflowCtx, id uuid.UUID) (O, error) {
	var zero O

	attempts := c.engine.opts.SubWorkflowPollAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		rec, err := c.engine.db.GetWorkflow(c.ctx, id)
		if err != nil && !errors.Is(err, api.ErrWorkflowNotFound) {
			return zero, &api.StoreError{Op: "get sub workflow", Cause: err}
		}
		if rec != nil {
			if rec.State == api.StateFailed {
				return zero, errors.New("sub workflow failed: " + rec.Error)
			}
			if rec.HasOutput() {
				return persistence.DecodeValue[O]("sub workflow output", rec.Output)
			}
		}

		if attempt < attempts-1 {
			select {
			case <-c.ctx.Done():
				return zero, c.ctx.Err()
			case <-time.After(c.engine.opts.SubWorkflowPollInterval):
			}
		}
	}
	return zero, &api.SubWorkflowIncompleteError{SubWorkflowID: id}
}
