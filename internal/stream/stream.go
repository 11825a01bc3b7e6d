// Package stream implements the ring-buffered event stream engine: bounded
// per-room logs with monotonic room-local offsets, retention policies, and
// gap-replay-then-live subscription, plus partitioned topics with consumer
// groups layered on top.
package stream

import (
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"

	"google.golang.org/protobuf/types/known/structpb"
)

// Appender durably records a mutation before the engine applies it.
type Appender interface {
	Append(rec *oplog.Record) (oplog.LogOffset, error)
}

// Event is one published item in a room's log.
type Event struct {
	Offset    uint64
	Room      string
	Type      string
	Payload   []byte
	Timestamp time.Time
	Metadata  *structpb.Struct
}

// RetentionMode selects which dimension bounds a room's retained history.
type RetentionMode string

const (
	RetentionTime     RetentionMode = "time"
	RetentionCount    RetentionMode = "count"
	RetentionSize     RetentionMode = "size"
	RetentionCombined RetentionMode = "combined"
	RetentionInfinite RetentionMode = "infinite"
)

// RetentionPolicy bounds how much history a room's ring buffer keeps.
type RetentionPolicy struct {
	Mode       RetentionMode
	MaxEvents  int
	MaxAge     time.Duration
	MaxBytes   int64
}

// room is a single bounded ring buffer of events plus its live subscribers.
type room struct {
	mu           sync.Mutex
	name         string
	nextOffset   uint64
	events       []Event // ordered ascending by Offset; truncated from the front by retention
	bytes        int64
	lastActivity time.Time
	subscribers  map[string]chan Event
}

// Options configures a new Manager.
type Options struct {
	Retention           RetentionPolicy
	RoomInactiveTimeout time.Duration
	Appender            Appender
	Clock               func() time.Time
}

// Manager owns every room's ring buffer, creating rooms lazily on first
// publish or subscribe.
type Manager struct {
	opts  Options
	clock func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewManager constructs an empty stream Manager.
func NewManager(opts Options) *Manager {
	if opts.Retention.Mode == "" {
		opts.Retention.Mode = RetentionCount
	}
	if opts.Retention.MaxEvents <= 0 {
		opts.Retention.MaxEvents = 10000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{opts: opts, clock: opts.Clock, rooms: make(map[string]*room)}
}

func (m *Manager) ensureRoom(name string) *room {
	m.mu.RLock()
	r, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[name]; ok {
		return r
	}
	r = &room{name: name, subscribers: make(map[string]chan Event), lastActivity: m.clock()}
	m.rooms[name] = r
	return r
}

func (m *Manager) appendRecord(rec *oplog.Record) error {
	if m.opts.Appender == nil {
		return nil
	}
	_, err := m.opts.Appender.Append(rec)
	return err
}

// SetAppender swaps the manager's durability sink. Used once WAL-tail replay
// has caught every room up to the live offset and the engine is about to
// start serving traffic.
func (m *Manager) SetAppender(appender Appender) {
	m.mu.Lock()
	m.opts.Appender = appender
	m.mu.Unlock()
}

// Apply replays a previously-durable StreamPublish record against room
// state without re-appending it. Room-local offsets are assigned the same
// way Publish assigns them, so replaying records in their original order
// reconstructs the exact same offsets. StreamCommit records belong to a
// consumer Group, not the Manager; route those to Group.Apply instead.
func (m *Manager) Apply(rec *oplog.Record) error {
	if rec.Kind != oplog.StreamPublish {
		return nil
	}

	r := m.ensureRoom(rec.Room)
	now := m.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextOffset++
	offset := r.nextOffset
	ev := Event{Offset: offset, Room: rec.Room, Type: rec.Topic, Payload: append([]byte(nil), rec.Value...), Timestamp: now, Metadata: rec.Headers}
	r.events = append(r.events, ev)
	r.bytes += int64(len(rec.Value))
	r.lastActivity = now
	m.enforceRetentionLocked(r, now)
	return nil
}

// Publish appends an event to room's log, fanning it out to live
// subscribers and enforcing retention. metadata is optional free-form
// structured data carried alongside the event through the WAL, snapshot, and
// replication stream the same way queue.Message.Headers rides along a queue
// entry; pass nil when the event carries none.
func (m *Manager) Publish(roomName, eventType string, payload []byte, metadata *structpb.Struct) (uint64, error) {
	r := m.ensureRoom(roomName)
	now := m.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextOffset++
	offset := r.nextOffset

	if err := m.appendRecord(&oplog.Record{Kind: oplog.StreamPublish, Room: roomName, Topic: eventType, Value: payload, Headers: metadata}); err != nil {
		r.nextOffset--
		return 0, err
	}

	ev := Event{Offset: offset, Room: roomName, Type: eventType, Payload: append([]byte(nil), payload...), Timestamp: now, Metadata: metadata}
	r.events = append(r.events, ev)
	r.bytes += int64(len(payload))
	r.lastActivity = now
	m.enforceRetentionLocked(r, now)

	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// A slow subscriber drops live deliveries; it can still recover
			// via HISTORY/resubscribe as long as retention hasn't truncated
			// past its last seen offset.
		}
	}
	return offset, nil
}

// enforceRetentionLocked truncates r.events per the configured policy. The
// caller must hold r.mu.
func (m *Manager) enforceRetentionLocked(r *room, now time.Time) {
	p := m.opts.Retention
	if p.Mode == RetentionInfinite {
		return
	}

	cut := 0
	switch p.Mode {
	case RetentionCount:
		if len(r.events) > p.MaxEvents {
			cut = len(r.events) - p.MaxEvents
		}
	case RetentionTime:
		for cut < len(r.events) && now.Sub(r.events[cut].Timestamp) > p.MaxAge {
			cut++
		}
	case RetentionSize:
		for p.MaxBytes > 0 && r.bytes > p.MaxBytes && cut < len(r.events) {
			r.bytes -= int64(len(r.events[cut].Payload))
			cut++
		}
	case RetentionCombined:
		if len(r.events) > p.MaxEvents {
			cut = len(r.events) - p.MaxEvents
		}
		for cut < len(r.events) && now.Sub(r.events[cut].Timestamp) > p.MaxAge {
			cut++
		}
	}
	if cut > 0 {
		if p.Mode != RetentionSize {
			for _, ev := range r.events[:cut] {
				r.bytes -= int64(len(ev.Payload))
			}
		}
		r.events = append([]Event(nil), r.events[cut:]...)
	}
}

// History returns events in room strictly after sinceOffset, up to limit
// entries, and whether the room's retention truncated history so the
// caller cannot be certain no events were skipped.
func (m *Manager) History(roomName string, sinceOffset uint64, limit int) ([]Event, bool, error) {
	r := m.ensureRoom(roomName)

	r.mu.Lock()
	defer r.mu.Unlock()

	truncated := len(r.events) > 0 && r.events[0].Offset > sinceOffset+1
	var out []Event
	for _, ev := range r.events {
		if ev.Offset <= sinceOffset {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, truncated, nil
}

// RoomStats reports ring-buffer occupancy for a room.
type RoomStats struct {
	EventCount   int
	Bytes        int64
	OldestOffset uint64
	NewestOffset uint64
	LastActivity time.Time
}

// Stats returns current bookkeeping for roomName.
func (m *Manager) Stats(roomName string) (RoomStats, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomName]
	m.mu.RUnlock()
	if !ok {
		return RoomStats{}, synaperr.New(synaperr.NotFound, "stream: room %q does not exist", roomName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := RoomStats{EventCount: len(r.events), Bytes: r.bytes, LastActivity: r.lastActivity}
	if len(r.events) > 0 {
		st.OldestOffset = r.events[0].Offset
		st.NewestOffset = r.events[len(r.events)-1].Offset
	}
	return st, nil
}

// SnapshotEntries returns a copy of every retained event across every room,
// in ascending per-room offset order, for a snapshot.Writer to stream to
// disk.
func (m *Manager) SnapshotEntries() []Event {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	var out []Event
	for _, r := range rooms {
		r.mu.Lock()
		for _, ev := range r.events {
			ev.Payload = append([]byte(nil), ev.Payload...)
			out = append(out, ev)
		}
		r.mu.Unlock()
	}
	return out
}

// RestoreEvent reinserts ev exactly as captured by a snapshot, preserving
// its original offset rather than assigning a fresh one the way Apply does.
// Used only during snapshot load, before any WAL-tail replay runs, so
// events are restored in ascending offset order per room and retention is
// left unenforced (the snapshot already reflects whatever retention had
// trimmed at capture time).
func (m *Manager) RestoreEvent(ev Event) {
	r := m.ensureRoom(ev.Room)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	r.bytes += int64(len(ev.Payload))
	if ev.Offset > r.nextOffset {
		r.nextOffset = ev.Offset
	}
	if ev.Timestamp.After(r.lastActivity) {
		r.lastActivity = ev.Timestamp
	}
}

// ReapInactiveRooms removes rooms that have no subscribers and have had no
// activity for longer than RoomInactiveTimeout; rooms with subscribers stay.
func (m *Manager) ReapInactiveRooms() int {
	if m.opts.RoomInactiveTimeout <= 0 {
		return 0
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, r := range m.rooms {
		r.mu.Lock()
		idle := now.Sub(r.lastActivity) > m.opts.RoomInactiveTimeout && len(r.subscribers) == 0
		if idle {
			for _, ch := range r.subscribers {
				close(ch)
			}
		}
		r.mu.Unlock()
		if idle {
			delete(m.rooms, name)
			removed++
		}
	}
	return removed
}
