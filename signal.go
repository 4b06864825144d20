package keel

import (
	"github.com/google/uuid"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/pkg/api"
)

// SignalSender publishes one signal from inside a workflow. Obtain one with
// WorkflowCtx.Signal or WorkflowCtx.TaggedSignal and finish with Send.
type SignalSender struct {
	c      *WorkflowCtx
	signal Signal
	to     uuid.UUID
	tags   api.Tags
}

// Signal starts a direct signal send to the workflow with the given id.
func (c *WorkflowCtx) Signal(to uuid.UUID, sig Signal) *SignalSender {
	return &SignalSender{c: c, signal: sig, to: to}
}

// TaggedSignal starts a tagged signal send: the signal reaches every
// workflow whose tags are a superset of tags.
func (c *WorkflowCtx) TaggedSignal(tags api.Tags, sig Signal) *SignalSender {
	return &SignalSender{c: c, signal: sig, tags: tags.Clone()}
}

// Send records the signal-send event and delivers the signal. On replay the
// previously assigned signal id is returned and nothing is re-delivered.
func (s *SignalSender) Send() (uuid.UUID, error) {
	c := s.c
	name := s.signal.SignalName()

	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindSignalSend, name); err != nil {
			return uuid.Nil, err
		}
		c.cursor.Advance()
		return ev.SignalID, nil
	}

	body, err := persistence.EncodeValue("signal body", s.signal)
	if err != nil {
		return uuid.Nil, err
	}

	signalID := uuid.New()
	if err := c.commit(func() error {
		return c.engine.db.PublishSignal(c.ctx, persistence.PublishSignalOpts{
			RayID:          c.rayID,
			FromWorkflowID: c.id,
			Location:       c.cursor.Current(),
			LoopLocation:   c.cursor.LoopLocation,
			SignalID:       signalID,
			Name:           name,
			Body:           body,
			WorkflowID:     s.to,
			Tags:           s.tags,
		})
	}); err != nil {
		return uuid.Nil, err
	}

	// Nudge runners: the receiver may be suspended on this signal.
	c.engine.publishWake(c.ctx, s.to)

	c.cursor.Advance()
	return signalID, nil
}
