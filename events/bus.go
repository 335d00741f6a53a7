// Package events implements the fan-out bus that broadcasts job and
// system events to SSE subscribers.
//
// Every subscriber owns a bounded FIFO inbox. Publishing never blocks:
// an event is dropped into each inbox with a non-blocking send, and a
// subscriber whose inbox is full is evicted on the spot. This keeps a
// stalled SSE client from ever back-pressuring the job manager or the
// other subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// InboxSize is the per-subscriber queue capacity. A consumer that falls
// this far behind is evicted rather than throttling the publisher.
const InboxSize = 256

// Event is one published record: a type tag plus the JSON-encoded
// payload, ready for SSE framing.
type Event struct {
	Type    string
	Payload string
}

// Subscription is a registered consumer. Close deregisters it; the
// event channel is closed either by Close or by eviction.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Event
}

// C returns the subscriber's event channel. The channel preserves
// publish order and is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus broadcasts typed events to all active subscriptions.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	counter     uint64
	logger      logrus.FieldLogger
}

// New creates an empty bus.
func New(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		subscribers: make(map[uint64]chan Event),
		logger:      logger.WithField("component", "event-bus"),
	}
}

// Publish serializes payload once and enqueues the event into every
// active inbox. Subscribers with full inboxes are evicted immediately;
// the publisher itself never fails and never blocks.
func (b *Bus) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		// Best-effort stringification for values encoding/json rejects.
		data, _ = json.Marshal(fmt.Sprintf("%v", payload))
	}
	ev := Event{Type: eventType, Payload: string(data)}

	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []uint64
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		ch := b.subscribers[id]
		delete(b.subscribers, id)
		close(ch)
		b.logger.WithFields(logrus.Fields{
			"subscriber_id": id,
			"event_type":    eventType,
		}).Warn("evicting slow event subscriber")
	}
}

// Subscribe registers a new inbox and returns its subscription handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	id := b.counter
	ch := make(chan Event, InboxSize)
	b.subscribers[id] = ch
	b.logger.WithField("subscriber_id", id).Debug("subscriber registered")
	return &Subscription{id: id, bus: b, ch: ch}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
		b.logger.WithField("subscriber_id", id).Debug("subscriber deregistered")
	}
}
