package kv

import (
	"testing"
	"time"
)

func TestSnapshotEntriesSkipsExpiredAndReportsRemainingTTL(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(Options{ShardCount: 2, Clock: func() time.Time { return now }})

	if err := e.Set("persistent", []byte("a"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Set("expiring", []byte("b"), SetOptions{TTL: 10 * time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Set("gone", []byte("c"), SetOptions{TTL: time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	now = now.Add(2 * time.Second)

	entries := e.SnapshotEntries()
	byKey := make(map[string]SnapshotEntry, len(entries))
	for _, se := range entries {
		byKey[se.Key] = se
	}

	if _, ok := byKey["gone"]; ok {
		t.Fatal("expected expired key to be excluded from snapshot entries")
	}
	if se, ok := byKey["persistent"]; !ok || se.TTLMs != 0 {
		t.Fatalf("expected persistent entry with TTLMs 0, got %+v", se)
	}
	se, ok := byKey["expiring"]
	if !ok || se.TTLMs <= 0 || se.TTLMs > 8000 {
		t.Fatalf("expected remaining ttl around 8000ms, got %+v", se)
	}
}
