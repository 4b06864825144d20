package keel

import (
	"time"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/pkg/api"
)

// Signal is implemented by types that can be delivered to a workflow as an
// external event. SignalName must be a constant for the type.
type Signal interface {
	SignalName() string
}

// ListenCtx polls the store for the next pending signal with a bounded
// number of attempts. Each ListenCtx may be used exactly once; reuse fails
// fast with ErrListenCtxUsed.
type ListenCtx struct {
	c    *WorkflowCtx
	used bool
}

func newListenCtx(c *WorkflowCtx) *ListenCtx {
	return &ListenCtx{c: c}
}

// pull runs the bounded poll. A nil signal with a nil error means nothing
// arrived within the poll window.
func (l *ListenCtx) pull(names []string) (*api.Signal, error) {
	if l.used {
		return nil, api.ErrListenCtxUsed
	}
	l.used = true

	c := l.c
	attempts := c.engine.opts.SignalPollAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		sig, err := c.engine.db.PullNextSignal(c.ctx, persistence.PullSignalOpts{
			WorkflowID:   c.id,
			WorkflowName: c.name,
			Names:        names,
			Location:     c.cursor.Current(),
			Version:      c.version,
			LoopLocation: c.cursor.LoopLocation,
			LastTry:      attempt == attempts-1,
		})
		if err != nil {
			return nil, &api.StoreError{Op: "pull signal", Cause: err}
		}
		if sig != nil {
			return sig, nil
		}

		if attempt < attempts-1 {
			select {
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			case <-time.After(c.engine.opts.SignalPollInterval):
			}
		}
	}
	return nil, nil
}

// ListenAny blocks until one signal matching any of names is available, or
// suspends the run awaiting them. On replay the recorded signal is returned
// directly with no poll.
func ListenAny(c *WorkflowCtx, names ...string) (*api.Signal, error) {
	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindSignal, ""); err != nil {
			return nil, err
		}
		if !containsName(names, ev.SignalName) {
			return nil, &api.DivergenceError{
				WorkflowID: c.id,
				Location:   c.cursor.Current().String(),
				Recorded:   ev.Describe(),
				Expected:   "signal(" + joinNames(names) + ")",
			}
		}
		c.cursor.Advance()
		return &api.Signal{
			ID:       ev.SignalID,
			Name:     ev.SignalName,
			Body:     ev.SignalBody,
			CreateTs: ev.CreateTs,
		}, nil
	}

	sig, err := newListenCtx(c).pull(names)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, &api.NoSignalError{Names: names}
	}

	// PullNextSignal committed the history event atomically with the ack.
	c.cursor.Advance()
	return sig, nil
}

// Listen waits for a signal of type T.
func Listen[T Signal](c *WorkflowCtx) (T, error) {
	var zero T
	sig, err := ListenAny(c, zero.SignalName())
	if err != nil {
		return zero, err
	}
	return persistence.DecodeValue[T]("signal body", sig.Body)
}

// CustomListener waits for any of names and decodes the winner with
// decode. It exists for workflows that multiplex several signal types over
// one suspension point.
func CustomListener[T any](c *WorkflowCtx, names []string, decode func(sig *api.Signal) (T, error)) (T, error) {
	var zero T
	sig, err := ListenAny(c, names...)
	if err != nil {
		return zero, err
	}
	return decode(sig)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
