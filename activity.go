package keel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/pkg/api"
)

// ActivityOptions configure one activity call site. Only Name is required.
type ActivityOptions struct {
	Name string

	// Timeout bounds one attempt. Zero uses the engine default.
	Timeout time.Duration

	// MaxRetries is the retry ceiling for this activity. Zero uses the
	// engine default.
	MaxRetries int
}

// ActivityCtx is the context an activity body runs under. Its Context is
// bounded by the activity timeout; bodies performing external I/O should
// honor it.
type ActivityCtx struct {
	ctx context.Context

	workflowID uuid.UUID
	rayID      uuid.UUID
	name       string
	attempt    int
	log        *zap.Logger
}

// Context returns the timeout-bounded context for this attempt.
func (a *ActivityCtx) Context() context.Context { return a.ctx }

// WorkflowID returns the id of the workflow invoking the activity.
func (a *ActivityCtx) WorkflowID() uuid.UUID { return a.workflowID }

// RayID returns the causal trace id of the invoking run.
func (a *ActivityCtx) RayID() uuid.UUID { return a.rayID }

// Attempt returns the 1-based attempt number.
func (a *ActivityCtx) Attempt() int { return a.attempt }

// Logger returns the engine logger annotated with the activity identity.
func (a *ActivityCtx) Logger() *zap.Logger { return a.log }

// Activity invokes a side-effecting step exactly once per logical call
// site. On replay of a successful attempt the recorded output is returned
// without re-invoking fn; a recorded failure below the retry ceiling is
// re-invoked with an incremented attempt count.
//
// The encoded input, together with the activity name, forms the activity
// identity: the same code path must present the same identity on every
// replay, or the run fails with a divergence error.
func Activity[I, O any](c *WorkflowCtx, opts ActivityOptions, input I, fn func(a *ActivityCtx, input I) (O, error)) (O, error) {
	var zero O

	encoded, err := persistence.EncodeValue("activity input", input)
	if err != nil {
		return zero, err
	}
	hash := persistence.HashInput(encoded)

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.engine.opts.ActivityMaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.engine.opts.ActivityTimeout
	}

	errCount := 0
	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindActivity, opts.Name); err != nil {
			return zero, err
		}
		if ev.InputHash != hash {
			return zero, &api.DivergenceError{
				WorkflowID: c.id,
				Location:   c.cursor.Current().String(),
				Recorded:   ev.Describe() + " with different input",
				Expected:   "activity(" + opts.Name + ")",
			}
		}

		if ev.HasOutput() {
			out, err := persistence.DecodeValue[O]("activity output", ev.Output)
			if err != nil {
				return zero, err
			}
			c.cursor.Advance()
			return out, nil
		}

		errCount = ev.ErrorCount
		if errCount >= maxRetries {
			// Exhausted before this pass; never invoke again. The cursor
			// moves past the dead event so code catching the failure can
			// keep operating at fresh locations.
			c.cursor.Advance()
			failure := &api.MaxFailuresError{Activity: opts.Name, Count: errCount}
			if ev.LastError != "" {
				failure.Cause = errors.New(ev.LastError)
			}
			return zero, failure
		}
	}

	location := c.cursor.Current()
	attempt := errCount + 1

	actx := &ActivityCtx{
		workflowID: c.id,
		rayID:      c.rayID,
		name:       opts.Name,
		attempt:    attempt,
		log: c.engine.log.With(
			zap.String("activity", opts.Name),
			zap.Stringer("workflow_id", c.id),
			zap.Int("attempt", attempt),
		),
	}

	c.engine.observer.OnActivityStart(c.ctx, c.id, opts.Name, location.String())
	start := time.Now()
	out, runErr := invokeActivity(c.ctx, actx, timeout, input, fn)
	duration := time.Since(start)
	c.engine.observer.OnActivityCompleted(c.ctx, c.id, opts.Name, location.String(), runErr, duration)

	if runErr != nil {
		// Record the failed attempt before surfacing it, so a crash
		// between "activity ran" and "workflow resumed" never loses the
		// outcome.
		if err := c.commit(func() error {
			return c.engine.db.CommitActivityEvent(c.ctx, persistence.ActivityEvent{
				WorkflowID:   c.id,
				Location:     location,
				LoopLocation: c.cursor.LoopLocation,
				Name:         opts.Name,
				InputHash:    hash,
				CreateTs:     start,
				Input:        encoded,
				Result:       persistence.ActivityResult{Error: runErr.Error()},
			})
		}); err != nil {
			return zero, err
		}

		if attempt >= maxRetries {
			c.cursor.Advance()
			return zero, &api.MaxFailuresError{Activity: opts.Name, Count: attempt, Cause: runErr}
		}
		var timeoutErr *api.ActivityTimeoutError
		if errors.As(runErr, &timeoutErr) {
			return zero, &api.ActivityTimeoutError{Activity: opts.Name, Count: attempt, Timeout: timeoutErr.Timeout}
		}
		return zero, &api.ActivityFailureError{Activity: opts.Name, Count: attempt, Cause: runErr}
	}

	encodedOut, err := persistence.EncodeValue("activity output", out)
	if err != nil {
		return zero, err
	}
	if err := c.commit(func() error {
		return c.engine.db.CommitActivityEvent(c.ctx, persistence.ActivityEvent{
			WorkflowID:   c.id,
			Location:     location,
			LoopLocation: c.cursor.LoopLocation,
			Name:         opts.Name,
			InputHash:    hash,
			CreateTs:     start,
			Input:        encoded,
			Result:       persistence.ActivityResult{Output: encodedOut},
		})
	}); err != nil {
		return zero, err
	}

	c.cursor.Advance()
	return out, nil
}

// invokeActivity runs fn under a timeout. There is no mid-flight
// cancellation beyond the context deadline: a body that ignores its context
// keeps running, but its outcome is discarded once the timeout fires.
func invokeActivity[I, O any](parent context.Context, actx *ActivityCtx, timeout time.Duration, input I, fn func(a *ActivityCtx, input I) (O, error)) (O, error) {
	var zero O

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	actx.ctx = ctx

	type result struct {
		out O
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(actx, input)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, &api.ActivityTimeoutError{Activity: actx.name, Timeout: timeout}
	}
}
