package pubsub

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus backed by channels. Subscribers that fall
// behind drop messages rather than block publishers.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Message
	next int
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan Message)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[subject] {
		select {
		case ch <- Message{Subject: subject, Payload: payload}:
		default:
			// Slow subscriber; drop.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Message, 64)
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan Message)
	}
	b.subs[subject][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[subject][id]; ok {
			delete(b.subs[subject], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}
