package keel

import (
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/pkg/api"
)

// Sleep pauses the workflow for d. See SleepUntil.
func (c *WorkflowCtx) Sleep(d time.Duration) error {
	return c.SleepUntil(time.Now().Add(d))
}

// SleepUntil pauses the workflow until deadline. The deadline is recorded
// once; short remainders (below one scheduler tick) block in process, while
// longer ones suspend the run entirely and the scheduler re-invokes it no
// earlier than the deadline. Deadlines already in the past are a no-op.
func (c *WorkflowCtx) SleepUntil(deadline time.Time) error {
	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindSleep, ""); err != nil {
			return err
		}
		// The recorded deadline wins over the argument: replay must not
		// re-derive it from the current clock.
		deadline = ev.Deadline
	} else {
		if err := c.commit(func() error {
			return c.engine.db.CommitSleepEvent(c.ctx, c.id, c.cursor.Current(), deadline, c.cursor.LoopLocation)
		}); err != nil {
			return err
		}
	}

	remaining := time.Until(deadline)
	switch {
	case remaining <= 0:
		c.Logger().Debug("sleep deadline already elapsed", zap.Time("deadline", deadline))
	case remaining <= c.engine.opts.TickInterval:
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(remaining):
		}
	default:
		return &api.SleepError{Deadline: deadline}
	}

	c.cursor.Advance()
	return nil
}
