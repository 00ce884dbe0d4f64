package events

import (
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	handler Handler
	types   map[string]bool // nil means all types
}

// InMemoryBus implements Bus with synchronous in-process delivery.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]subscription // subscriptionID -> subscription
}

// NewBus creates a new InMemoryBus.
func NewBus() *InMemoryBus {
	return &InMemoryBus{
		subscribers: make(map[string]subscription),
	}
}

// Publish delivers the event to every matching subscriber. Delivery is
// synchronous; handlers that do slow work must hand it off themselves.
func (b *InMemoryBus) Publish(event Event) {
	b.mu.RLock()
	// Copy handlers to avoid holding the lock during delivery.
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.types == nil || sub.types[event.Type] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler for the given event types.
func (b *InMemoryBus) Subscribe(handler Handler, types ...string) (unsubscribe func()) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := uuid.New().String()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of registered subscriptions.
// Useful for testing and monitoring.
func (b *InMemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
