// Package pubsub provides the fan-out bus the engine uses to deliver
// workflow messages and to nudge runners when a wake condition is met,
// instead of leaving suspended workflows to the next poll tick.
package pubsub

import "context"

// Message is one published payload.
type Message struct {
	Subject string
	Payload []byte
}

// Bus is a minimal at-most-once fan-out. Delivery is best effort: a missed
// wake nudge only delays a workflow until the runner's next tick, so no bus
// implementation needs durability.
type Bus interface {
	// Publish sends payload to every current subscriber of subject.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe returns a channel of messages published to subject and a
	// cancel function that closes the channel.
	Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error)
}

// Subjects used by the engine.
const (
	// SubjectWake carries workflow ids whose wake condition may now be met.
	SubjectWake = "keel.wake"

	// SubjectMessagePrefix prefixes the per-name subjects for workflow
	// messages published with Msg.
	SubjectMessagePrefix = "keel.msg."
)
