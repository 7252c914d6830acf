// Package bus provides the in-process pub/sub event bus used for
// cross-component notification fan-out: delivery events consumed by
// channel adapters, job completion/progress signals, cooperative tool
// cancellation, and dynamic skill registration sync.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Bus is a simple in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event // topic prefix -> subscriber channels
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe registers for events whose topic starts with topicPrefix. An
// empty prefix matches all topics. The returned channel is buffered; slow
// consumers miss events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) chan Event {
	ch := make(chan Event, defaultBufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topicPrefix] = append(b.subs[topicPrefix], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel. The prefix must
// be the one passed to Subscribe. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(topicPrefix string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subs[topicPrefix]
	for i, c := range chans {
		if c == ch {
			b.subs[topicPrefix] = append(chans[:i], chans[i+1:]...)
			if len(b.subs[topicPrefix]) == 0 {
				delete(b.subs, topicPrefix)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: a subscriber with a full buffer drops the event. Waiters that
// must not miss a signal pair their subscription with polling.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for prefix, chans := range b.subs {
		if prefix != "" && !strings.HasPrefix(topic, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- event:
			default:
				// Buffer full, drop for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, chans := range b.subs {
		n += len(chans)
	}
	return n
}
