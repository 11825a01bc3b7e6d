package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"synap/internal/config"
	"synap/internal/kv"
	"synap/internal/logging"
	"synap/internal/queue"
	"synap/internal/stream"

	"google.golang.org/protobuf/types/known/structpb"
)

func newTestEngines() *engines {
	return &engines{
		KV:     kv.New(kv.Options{ShardCount: 2}),
		Queue:  queue.NewManager(queue.ManagerOptions{}),
		Stream: stream.NewManager(stream.Options{}),
	}
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(config.LoggingConfig{Level: "error", Path: filepath.Join(t.TempDir(), "test.log")})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

func TestLoadSnapshotSkipsCorruptNewestCandidate(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	seed := newTestEngines()
	if err := seed.KV.Set("k", []byte("older"), kv.SetOptions{}); err != nil {
		t.Fatalf("seed Set: %v", err)
	}
	if err := writeSnapshot(dir, seed, 1); err != nil {
		t.Fatalf("writeSnapshot older: %v", err)
	}

	// Backdate the mtime of whatever writeSnapshot just produced so it
	// reliably sorts as the older candidate.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one snapshot written, got %d", len(entries))
	}
	realOlder := filepath.Join(dir, entries[0].Name())
	os.Chtimes(realOlder, now.Add(-time.Hour), now.Add(-time.Hour))

	if err := seed.KV.Set("k", []byte("newer"), kv.SetOptions{}); err != nil {
		t.Fatalf("seed Set newer: %v", err)
	}
	if err := writeSnapshot(dir, seed, 2); err != nil {
		t.Fatalf("writeSnapshot newer: %v", err)
	}

	// Find the newest file (the one we just wrote) and corrupt its footer.
	entries, _ = os.ReadDir(dir)
	var newerPath string
	var newestMod time.Time
	for _, e := range entries {
		info, _ := e.Info()
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newerPath = filepath.Join(dir, e.Name())
		}
	}
	raw, err := os.ReadFile(newerPath)
	if err != nil {
		t.Fatalf("read newer snapshot: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(newerPath, raw, 0o644); err != nil {
		t.Fatalf("corrupt newer snapshot: %v", err)
	}

	e := newTestEngines()
	offset, err := loadSnapshot(dir, e, testLogger(t))
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if offset != 1 {
		t.Fatalf("expected fallback to the older valid snapshot (offset 1), got %d", offset)
	}
	got, err := e.KV.Get("k")
	if err != nil {
		t.Fatalf("Get after fallback: %v", err)
	}
	if string(got) != "older" {
		t.Fatalf("expected value from the older valid snapshot, got %q", got)
	}
}

func TestLoadSnapshotAllCorruptFallsBackToWALOnly(t *testing.T) {
	dir := t.TempDir()

	seed := newTestEngines()
	if err := seed.KV.Set("k", []byte("v"), kv.SetOptions{}); err != nil {
		t.Fatalf("seed Set: %v", err)
	}
	if err := writeSnapshot(dir, seed, 1); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	path := filepath.Join(dir, entries[0].Name())
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}

	e := newTestEngines()
	offset, err := loadSnapshot(dir, e, testLogger(t))
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected offset 0 when every candidate is corrupt, got %d", offset)
	}
	if e.KV.Exists("k") {
		t.Fatal("expected no state restored when every snapshot candidate is corrupt")
	}
}

func TestLoadSnapshotNoSnapshotFound(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngines()
	offset, err := loadSnapshot(dir, e, testLogger(t))
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected offset 0 for empty dir, got %d", offset)
	}
}

func TestCheckpointRoundTripCarriesQueueAndStreamExtras(t *testing.T) {
	dir := t.TempDir()

	headers, err := structpb.NewStruct(map[string]interface{}{"trace_id": "abc"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	metadata, err := structpb.NewStruct(map[string]interface{}{"region": "us-east"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	seed := newTestEngines()
	q := seed.Queue.Ensure("jobs")
	if _, err := q.Publish([]byte("payload"), 4, queue.PublishOptions{TTL: time.Hour, MaxRetries: 3, Headers: headers}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := seed.Stream.Publish("lobby", "chat", []byte("hi"), metadata); err != nil {
		t.Fatalf("Stream Publish: %v", err)
	}
	if err := writeSnapshot(dir, seed, 1); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	e := newTestEngines()
	if _, err := loadSnapshot(dir, e, testLogger(t)); err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}

	restoredQueue, err := e.Queue.Get("jobs")
	if err != nil {
		t.Fatalf("Get queue: %v", err)
	}
	peeked := restoredQueue.Peek(1)
	if len(peeked) != 1 {
		t.Fatalf("expected 1 restored queue entry, got %d", len(peeked))
	}
	if peeked[0].Headers == nil || peeked[0].Headers.Fields["trace_id"].GetStringValue() != "abc" {
		t.Fatalf("expected queue headers to survive the checkpoint, got %+v", peeked[0].Headers)
	}

	events, _, err := e.Stream.History("lobby", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 1 || events[0].Metadata == nil || events[0].Metadata.Fields["region"].GetStringValue() != "us-east" {
		t.Fatalf("expected stream metadata to survive the checkpoint, got %+v", events)
	}
}
