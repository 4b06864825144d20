package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub, for deployments where runners
// and dispatchers live in different processes.
type RedisBus struct {
	client *redis.Client
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a RedisBus on the given client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	return b.client.Publish(ctx, subject, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	sub := b.client.Subscribe(ctx, subject)

	// Force the subscription to be established before returning, so a
	// Publish right after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
