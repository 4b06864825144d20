package keel

import (
	"encoding/json"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
)

// Loop is the verdict of one loop iteration: continue, or break with the
// loop's final output.
type Loop[T any] struct {
	done  bool
	value T
}

// Continue runs another iteration.
func Continue[T any]() Loop[T] { return Loop[T]{} }

// Break ends the loop with value as its output.
func Break[T any](value T) Loop[T] { return Loop[T]{done: true, value: value} }

// Repeat runs fn until it returns Break. Every iteration executes inside
// its own branched cursor keyed by iteration index, so engine operations in
// the body get disjoint, stable addresses across iterations. On Continue
// the iteration counter is durably advanced, letting replay fast-forward
// directly to the first incomplete iteration; on Break the final output is
// committed once.
//
// The body must be free of effects outside the engine's own primitives.
// Uncontrolled side effects in a loop body break replay determinism.
func Repeat[T any](c *WorkflowCtx, fn func(c *WorkflowCtx) (Loop[T], error)) (T, error) {
	var zero T

	loopLoc := c.cursor.Current()
	iteration := 0

	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindLoop, ""); err != nil {
			return zero, err
		}
		if ev.LoopOutput != nil {
			out, err := persistence.DecodeValue[T]("loop output", ev.LoopOutput)
			if err != nil {
				return zero, err
			}
			c.cursor.Advance()
			return out, nil
		}
		// Fast-forward: iterations below the counter already completed.
		iteration = ev.Iteration
	} else {
		if err := c.commit(func() error {
			return c.engine.db.UpdateLoop(c.ctx, c.id, loopLoc, 0, nil, c.cursor.LoopLocation)
		}); err != nil {
			return zero, err
		}
	}

	for {
		itc := c.loopIteration(loopLoc, iteration)
		verdict, err := fn(itc)
		if err != nil {
			return zero, err
		}

		if verdict.done {
			encoded, err := persistence.EncodeValue("loop output", verdict.value)
			if err != nil {
				return zero, err
			}
			if err := c.commit(func() error {
				return c.engine.db.UpdateLoop(c.ctx, c.id, loopLoc, iteration+1, encoded, c.cursor.LoopLocation)
			}); err != nil {
				return zero, err
			}
			c.cursor.Advance()
			return verdict.value, nil
		}

		iteration++
		if err := c.commit(func() error {
			return c.engine.db.UpdateLoop(c.ctx, c.id, loopLoc, iteration, json.RawMessage(nil), c.cursor.LoopLocation)
		}); err != nil {
			return zero, err
		}
	}
}
