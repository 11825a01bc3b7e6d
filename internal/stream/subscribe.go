package stream

import (
	"sync"

	"synap/internal/synaperr"

	"github.com/google/uuid"
)

// Subscription delivers a room's events: any backlog after the requested
// offset is replayed first, then the subscriber is switched onto the live
// fan-out with no gap, matching the teacher's replay-then-live Subscribe.
type Subscription struct {
	id     string
	room   *room
	events chan Event
	once   sync.Once
}

// Events returns the channel events are delivered on, replay first then live.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription from its room's live fan-out.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.room.mu.Lock()
		if ch, ok := s.room.subscribers[s.id]; ok {
			delete(s.room.subscribers, s.id)
			close(ch)
		}
		s.room.mu.Unlock()
	})
}

// Subscribe attaches to roomName, replaying any events after sinceOffset
// before switching to live delivery. buffer sizes the subscriber's channel;
// a full channel causes the publisher to drop further live deliveries for
// this subscriber rather than block.
func (m *Manager) Subscribe(roomName string, sinceOffset uint64, buffer int) (*Subscription, bool, error) {
	if buffer <= 0 {
		buffer = 64
	}
	r := m.ensureRoom(roomName)

	r.mu.Lock()
	truncated := len(r.events) > 0 && r.events[0].Offset > sinceOffset+1
	var backlog []Event
	for _, ev := range r.events {
		if ev.Offset > sinceOffset {
			backlog = append(backlog, ev)
		}
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer+len(backlog))
	r.subscribers[id] = ch
	r.mu.Unlock()

	for _, ev := range backlog {
		ch <- ev
	}

	return &Subscription{id: id, room: r, events: ch}, truncated, nil
}

// SubscribeByID reuses a caller-chosen durable subscriber identity so a
// reconnecting client resumes from the last offset it received;
// SinceOffset is still supplied explicitly by the caller (the engine keeps
// no durable per-subscriber cursor of its own for raw room subscriptions,
// only consumer groups do).
func (m *Manager) SubscribeByID(roomName, subscriberID string, sinceOffset uint64, buffer int) (*Subscription, bool, error) {
	if subscriberID == "" {
		return nil, false, synaperr.New(synaperr.InvalidArgument, "stream: subscriber id must not be empty")
	}
	if buffer <= 0 {
		buffer = 64
	}
	r := m.ensureRoom(roomName)

	r.mu.Lock()
	truncated := len(r.events) > 0 && r.events[0].Offset > sinceOffset+1
	var backlog []Event
	for _, ev := range r.events {
		if ev.Offset > sinceOffset {
			backlog = append(backlog, ev)
		}
	}
	if _, exists := r.subscribers[subscriberID]; exists {
		r.mu.Unlock()
		return nil, false, synaperr.New(synaperr.AlreadyExists, "stream: subscriber %q already attached to room %q", subscriberID, roomName)
	}
	ch := make(chan Event, buffer+len(backlog))
	r.subscribers[subscriberID] = ch
	r.mu.Unlock()

	for _, ev := range backlog {
		ch <- ev
	}

	return &Subscription{id: subscriberID, room: r, events: ch}, truncated, nil
}
