package keel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/internal/pubsub"
	"github.com/petrijr/keel/pkg/api"
)

// Workflow starts building a top-level workflow dispatch. Finish with
// Dispatch:
//
//	id, created, err := engine.Workflow("order", order).Tag("customer", "42").Dispatch(ctx)
func (e *Engine) Workflow(name string, input any) *WorkflowBuilder {
	return &WorkflowBuilder{e: e, name: name, input: input}
}

// WorkflowBuilder accumulates dispatch options for one workflow run.
type WorkflowBuilder struct {
	e     *Engine
	name  string
	input any
	tags  api.Tags

	unique bool
}

// Tag adds one tag to the run.
func (b *WorkflowBuilder) Tag(k, v string) *WorkflowBuilder {
	if b.tags == nil {
		b.tags = api.Tags{}
	}
	b.tags[k] = v
	return b
}

// Tags merges tags into the run's tags.
func (b *WorkflowBuilder) Tags(tags api.Tags) *WorkflowBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

// Unique reuses an existing non-failed run with the same name and tags
// instead of creating a duplicate. The returned id then belongs to the
// pre-existing run.
func (b *WorkflowBuilder) Unique() *WorkflowBuilder {
	b.unique = true
	return b
}

// Dispatch persists the run and nudges runners to pick it up. It does not
// wait for the run to execute; use WorkflowOutput for that.
//
// The bool reports whether a new run was created. Under Unique the returned
// id may belong to a pre-existing run, in which case it is false.
func (b *WorkflowBuilder) Dispatch(ctx context.Context) (uuid.UUID, bool, error) {
	input, err := persistence.EncodeValue("workflow input", b.input)
	if err != nil {
		return uuid.Nil, false, err
	}

	requested := uuid.New()
	id, err := b.e.db.DispatchWorkflow(ctx, persistence.DispatchWorkflowOpts{
		RayID:      uuid.New(),
		WorkflowID: requested,
		Name:       b.name,
		Tags:       b.tags,
		Input:      input,
		Unique:     b.unique,
	})
	if err != nil {
		return uuid.Nil, false, err
	}

	b.e.publishWake(ctx, id)
	return id, id == requested, nil
}

// WorkflowOutput blocks until the run completes and decodes its output, or
// returns the run's error once it fails fatally. It waits on wake nudges
// with a tick fallback and returns ctx.Err() when the context ends first.
func WorkflowOutput[O any](ctx context.Context, e *Engine, id uuid.UUID) (O, error) {
	var zero O

	msgs, cancel, err := e.bus.Subscribe(ctx, pubsub.SubjectWake)
	if err != nil {
		return zero, err
	}
	defer cancel()

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		rec, err := e.db.GetWorkflow(ctx, id)
		if err != nil {
			return zero, err
		}
		if rec.State == api.StateFailed {
			return zero, errors.New("workflow failed: " + rec.Error)
		}
		if rec.HasOutput() {
			return persistence.DecodeValue[O]("workflow output", rec.Output)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-msgs:
		case <-ticker.C:
		}
	}
}

// Signal starts building a signal delivery from outside any workflow, e.g.
// from an HTTP handler confirming a payment. Target the delivery with To or
// Tags, then Send.
func (e *Engine) Signal(sig Signal) *SignalBuilder {
	return &SignalBuilder{e: e, signal: sig}
}

// SignalBuilder accumulates delivery options for one externally published
// signal.
type SignalBuilder struct {
	e      *Engine
	signal Signal
	to     uuid.UUID
	tags   api.Tags
}

// To targets a specific workflow run.
func (b *SignalBuilder) To(id uuid.UUID) *SignalBuilder {
	b.to = id
	return b
}

// Tags targets any run whose tags contain all of the given tags. The first
// matching run to listen for the signal's name consumes it.
func (b *SignalBuilder) Tags(tags api.Tags) *SignalBuilder {
	b.tags = tags.Clone()
	return b
}

// Tag adds one targeting tag.
func (b *SignalBuilder) Tag(k, v string) *SignalBuilder {
	if b.tags == nil {
		b.tags = api.Tags{}
	}
	b.tags[k] = v
	return b
}

// Send publishes the signal and returns its id. Signals published from
// outside a workflow leave no history event; delivery is recorded on the
// consuming side when a listen pulls the signal.
func (b *SignalBuilder) Send(ctx context.Context) (uuid.UUID, error) {
	if b.to == uuid.Nil && len(b.tags) == 0 {
		return uuid.Nil, errors.New("signal needs a target: To or Tags")
	}

	body, err := persistence.EncodeValue("signal body", b.signal)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	if err := b.e.db.PublishSignal(ctx, persistence.PublishSignalOpts{
		RayID:      uuid.New(),
		SignalID:   id,
		Name:       b.signal.SignalName(),
		Body:       body,
		WorkflowID: b.to,
		Tags:       b.tags,
	}); err != nil {
		return uuid.Nil, err
	}

	b.e.publishWake(ctx, b.to)
	return id, nil
}
