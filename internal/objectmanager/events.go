package objectmanager

import (
	"sync"
	"time"

	"github.com/browserkernel/kernel/internal/objectid"
)

// EventType enumerates Object Manager lifecycle events.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventDestroyed EventType = "destroyed"
)

// LifecycleEvent is published to subscribers after a mutation is
// already visible to Get (§4.2: "published ... after the mutation is
// visible to get").
type LifecycleEvent struct {
	Type EventType
	ID   objectid.ID
	Kind Kind
	At   time.Time
}

// eventBus fans lifecycle events out to subscribers over buffered,
// non-blocking channels. A slow subscriber drops events rather than
// stalling a mutating caller — no suspension is permitted inside an
// Object Manager mutation (§5).
type eventBus struct {
	mu   sync.RWMutex
	subs map[int]chan LifecycleEvent
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan LifecycleEvent)}
}

// Subscribe returns a buffered channel of future lifecycle events and
// an unsubscribe function.
func (b *eventBus) Subscribe(buffer int) (<-chan LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan LifecycleEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (b *eventBus) publish(ev LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the mutating caller.
		}
	}
}
