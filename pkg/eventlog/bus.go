package eventlog

import (
	"sync"
	"sync/atomic"

	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
)

// BusEvent pairs an appended event with the file it was appended to
type BusEvent struct {
	Path  string
	Event *types.Event
}

// DefaultSubscriberBuffer is the per-subscriber channel depth
const DefaultSubscriberBuffer = 256

// Subscription is one bounded listener on the bus
type Subscription struct {
	ch      chan BusEvent
	dropped atomic.Int64
}

// C returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan BusEvent {
	return s.ch
}

// Dropped returns how many events this subscriber lost to backpressure
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans appended events out to subscribers. Delivery never blocks the
// appender: when a subscriber's buffer is full the oldest buffered event
// is dropped to make room, and the loss is counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscription]bool)}
}

// Subscribe creates a new subscription with the given buffer depth
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan BusEvent, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber, dropping the oldest
// buffered event per full subscriber.
func (b *Bus) Publish(ev BusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: evict the oldest, then retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			metrics.BusDroppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			metrics.BusDroppedTotal.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = make(map[*Subscription]bool)
}
