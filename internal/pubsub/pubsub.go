// Package pubsub implements a thin, non-durable topic fan-out layer:
// `.`-segmented topic names, `*` (exactly one segment) and `#` (zero or
// more trailing segments) wildcard subscriptions, at-most-once delivery
// with dropped (not retried) sends to a slow subscriber.
package pubsub

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Message is one published event, handed to every matching subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// subscriber holds one subscription's delivery channel and its compiled
// pattern segments.
type subscriber struct {
	id       string
	pattern  string
	segments []string
	ch       chan Message
}

// Broker fans out published messages to subscribers whose pattern matches
// the published topic. Delivery is best-effort: a subscriber whose channel
// is full misses the message rather than blocking the publisher, mirroring
// the teacher's non-blocking `select`/`default` dispatch loop.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	byTopic     map[string]map[string]*subscriber // exact topic -> subscriber id -> subscriber, fast path for non-wildcard patterns
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{
		subscribers: make(map[string]*subscriber),
		byTopic:     make(map[string]map[string]*subscriber),
	}
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	id     string
	broker *Broker
	ch     <-chan Message
	once   sync.Once
}

// Events returns the channel messages matching this subscription's pattern
// are delivered on.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.id)
	})
}

// Subscribe registers a new subscription for pattern (e.g. "orders.*.created"
// or "orders.#") with a buffered delivery channel of the given size.
func (b *Broker) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	sub := &subscriber{
		id:       id,
		pattern:  pattern,
		segments: strings.Split(pattern, "."),
		ch:       make(chan Message, buffer),
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	if isExactPattern(pattern) {
		group, ok := b.byTopic[pattern]
		if !ok {
			group = make(map[string]*subscriber)
			b.byTopic[pattern] = group
		}
		group[id] = sub
	}
	b.mu.Unlock()

	return &Subscription{id: id, broker: b, ch: sub.ch}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	if isExactPattern(sub.pattern) {
		if group, ok := b.byTopic[sub.pattern]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(b.byTopic, sub.pattern)
			}
		}
	}
	close(sub.ch)
}

// isExactPattern reports whether pattern contains no wildcard segments, so
// it can be matched via a direct map lookup instead of the full pattern
// matcher.
func isExactPattern(pattern string) bool {
	return !strings.ContainsAny(pattern, "*#")
}

// Publish delivers payload to every subscriber whose pattern matches topic.
// Matching subscribers whose channel is currently full do not receive the
// message; Publish never blocks on a slow consumer.
func (b *Broker) Publish(topic string, payload []byte) int {
	segments := strings.Split(topic, ".")
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	if group, ok := b.byTopic[topic]; ok {
		for _, sub := range group {
			if deliver(sub, msg) {
				delivered++
			}
		}
	}
	for _, sub := range b.subscribers {
		if isExactPattern(sub.pattern) {
			continue // already handled via the exact-topic fast path above
		}
		if matchSegments(sub.segments, segments) && deliver(sub, msg) {
			delivered++
		}
	}
	return delivered
}

func deliver(sub *subscriber, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

// matchSegments reports whether topic's segments satisfy pattern's segments,
// where "*" consumes exactly one topic segment and "#" (only valid as the
// final pattern segment) consumes all remaining topic segments, including
// zero of them.
func matchSegments(pattern, topic []string) bool {
	i := 0
	for i < len(pattern) {
		p := pattern[i]
		if p == "#" {
			return i == len(pattern)-1
		}
		if i >= len(topic) {
			return false
		}
		if p != "*" && p != topic[i] {
			return false
		}
		i++
	}
	return i == len(topic)
}

// SubscriberCount returns the number of active subscriptions, for metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
