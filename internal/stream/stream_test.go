package stream

import (
	"testing"
	"time"

	"synap/internal/synaperr"
)

func newTestManager(now *time.Time, retention RetentionPolicy) *Manager {
	return NewManager(Options{Retention: retention, Clock: func() time.Time { return *now }})
}

func TestPublishAssignsMonotonicOffsets(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})

	o1, err := m.Publish("room", "typeA", []byte("1"), nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	o2, err := m.Publish("room", "typeA", []byte("2"), nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if o1 != 1 || o2 != 2 {
		t.Fatalf("expected offsets 1,2 got %d,%d", o1, o2)
	}
}

func TestHistoryReturnsEventsAfterOffset(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})

	for i := 0; i < 5; i++ {
		if _, err := m.Publish("room", "t", []byte{byte(i)}, nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events, truncated, err := m.History("room", 3, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if truncated {
		t.Fatal("expected no truncation")
	}
	if len(events) != 2 || events[0].Offset != 4 || events[1].Offset != 5 {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestRetentionCountTruncatesAndSetsTruncatedFlag(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{Mode: RetentionCount, MaxEvents: 3})

	for i := 0; i < 5; i++ {
		if _, err := m.Publish("room", "t", []byte{byte(i)}, nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events, truncated, err := m.History("room", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncated flag set")
	}
	if len(events) != 3 || events[0].Offset != 3 {
		t.Fatalf("expected last 3 events starting at offset 3, got %+v", events)
	}
}

func TestRetentionTimeTruncatesByAge(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(&now, RetentionPolicy{Mode: RetentionTime, MaxAge: 5 * time.Second})

	now = time.Unix(1000, 0)
	m.Publish("room", "t", []byte("old"), nil)
	now = time.Unix(1010, 0)
	m.Publish("room", "t", []byte("new"), nil)

	events, _, err := m.History("room", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 1 || string(events[0].Payload) != "new" {
		t.Fatalf("expected only the fresh event retained, got %+v", events)
	}
}

func TestSubscribeReplaysBacklogThenLive(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})

	m.Publish("room", "t", []byte("1"), nil)
	m.Publish("room", "t", []byte("2"), nil)

	sub, truncated, err := m.Subscribe("room", 1, 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if truncated {
		t.Fatal("expected no truncation")
	}
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		if ev.Offset != 2 {
			t.Fatalf("expected backlog event offset 2, got %d", ev.Offset)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog event")
	}

	m.Publish("room", "t", []byte("3"), nil)
	select {
	case ev := <-sub.Events():
		if ev.Offset != 3 {
			t.Fatalf("expected live event offset 3, got %d", ev.Offset)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribeByIDRejectsDuplicateAttach(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})

	sub, _, err := m.SubscribeByID("room", "consumer-1", 0, 4)
	if err != nil {
		t.Fatalf("SubscribeByID: %v", err)
	}
	defer sub.Close()

	if _, _, err := m.SubscribeByID("room", "consumer-1", 0, 4); !synaperr.Is(err, synaperr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestStatsReportsRoomBookkeeping(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})

	m.Publish("room", "t", []byte("ab"), nil)
	m.Publish("room", "t", []byte("cd"), nil)

	st, err := m.Stats("room")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.EventCount != 2 || st.OldestOffset != 1 || st.NewestOffset != 2 || st.Bytes != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStatsUnknownRoom(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(&now, RetentionPolicy{})
	if _, err := m.Stats("missing"); !synaperr.Is(err, synaperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReapInactiveRoomsRemovesIdleEmptyRooms(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewManager(Options{RoomInactiveTimeout: 10 * time.Second, Clock: func() time.Time { return now }})

	m.Publish("room", "t", []byte("x"), nil)
	now = now.Add(time.Minute)

	removed := m.ReapInactiveRooms()
	if removed != 1 {
		t.Fatalf("expected 1 room reaped, got %d", removed)
	}
	if _, err := m.Stats("room"); err == nil {
		t.Fatal("expected room to be gone after reap")
	}
}
