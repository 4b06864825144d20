package keel

import (
	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/internal/pubsub"
)

// Message is implemented by types published to the fan-out bus for
// subscribers outside the workflow system. MessageName must be a constant
// for the type.
type Message interface {
	MessageName() string
}

// Msg durably records a message send and publishes it on the bus. On replay
// the recorded event is returned without republishing, so each logical send
// reaches the bus at most once per commit.
func Msg[M Message](c *WorkflowCtx, msg M) error {
	name := msg.MessageName()

	if ev := c.currentEvent(); ev != nil {
		if err := c.checkEvent(ev, history.EventKindMessageSend, name); err != nil {
			return err
		}
		c.cursor.Advance()
		return nil
	}

	body, err := persistence.EncodeValue("message body", msg)
	if err != nil {
		return err
	}

	if err := c.commit(func() error {
		return c.engine.db.CommitMessageSendEvent(c.ctx, c.id, c.cursor.Current(), name, body, c.cursor.LoopLocation)
	}); err != nil {
		return err
	}

	// Publish after the durable record; a crash in between drops only the
	// live notification, never the history.
	if err := c.engine.bus.Publish(c.ctx, pubsub.SubjectMessagePrefix+name, body); err != nil {
		c.Logger().Warn("message publish failed")
	}

	c.cursor.Advance()
	return nil
}

// MsgWait publishes msg and then waits for a reply signal of type R. It is
// two cursor steps: the message send and the listen.
func MsgWait[M Message, R Signal](c *WorkflowCtx, msg M) (R, error) {
	var zero R
	if err := Msg(c, msg); err != nil {
		return zero, err
	}
	return Listen[R](c)
}
