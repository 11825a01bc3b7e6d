package kv

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

type fakeAppender struct {
	mu      sync.Mutex
	records []*oplog.Record
}

func (a *fakeAppender) Append(rec *oplog.Record) (oplog.LogOffset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return oplog.LogOffset(len(a.records)), nil
}

func (a *fakeAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// failingAppender rejects every Append, for exercising the reaper's
// durability-before-release path.
type failingAppender struct{}

func (failingAppender) Append(rec *oplog.Record) (oplog.LogOffset, error) {
	return 0, synaperr.New(synaperr.DurabilityFailed, "kv: append rejected")
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(clock *manualClock, appender Appender) *Engine {
	return New(Options{ShardCount: 4, Appender: appender, Clock: clock.Now})
}

func TestSetGetRoundTrip(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := newTestEngine(clock, nil)

	if err := e.Set("a", []byte("1"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := e.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("expected value 1, got %q", v)
	}
}

func TestSetRejectsEmptyKey(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	if err := e.Set("", []byte("v"), SetOptions{}); !synaperr.Is(err, synaperr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSetOnlyIfNotExists(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	if err := e.Set("k", []byte("1"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := e.Set("k", []byte("2"), SetOptions{OnlyIfNotExists: true})
	if !synaperr.Is(err, synaperr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestSetOnlyIfExists(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	err := e.Set("missing", []byte("1"), SetOptions{OnlyIfExists: true})
	if !synaperr.Is(err, synaperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTTLExpiryOnAccess(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := newTestEngine(clock, nil)

	if err := e.Set("k", []byte("v"), SetOptions{TTL: time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !e.Exists("k") {
		t.Fatal("expected key to exist before expiry")
	}
	clock.Advance(2 * time.Second)
	if e.Exists("k") {
		t.Fatal("expected key to be expired")
	}
	if _, err := e.Get("k"); !synaperr.Is(err, synaperr.NotFound) {
		t.Fatalf("expected NotFound after expiry, got %v", err)
	}
}

func TestExpirePersistTTL(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := newTestEngine(clock, nil)
	if err := e.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl, err := e.TTL("k"); err != nil || ttl != -1 {
		t.Fatalf("expected persistent ttl -1, got %v err %v", ttl, err)
	}
	if err := e.Expire("k", 5*time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ttl, err := e.TTL("k"); err != nil || ttl <= 0 {
		t.Fatalf("expected positive ttl, got %v err %v", ttl, err)
	}
	if err := e.Persist("k"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if ttl, err := e.TTL("k"); err != nil || ttl != -1 {
		t.Fatalf("expected persistent ttl after Persist, got %v err %v", ttl, err)
	}
}

func TestIncrDecr(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	v, err := e.Incr("counter")
	if err != nil || v != 1 {
		t.Fatalf("expected 1, got %d err %v", v, err)
	}
	v, err = e.IncrBy("counter", 9)
	if err != nil || v != 10 {
		t.Fatalf("expected 10, got %d err %v", v, err)
	}
	v, err = e.Decr("counter")
	if err != nil || v != 9 {
		t.Fatalf("expected 9, got %d err %v", v, err)
	}
}

func TestIncrWrongType(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	if err := e.Set("k", []byte("not-a-number"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := e.Incr("k"); !synaperr.Is(err, synaperr.WrongType) {
		t.Fatalf("expected WrongType, got %v", err)
	}
}

func TestAppendAndRanges(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	n, err := e.Append("k", []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Append: n=%d err=%v", n, err)
	}
	n, err = e.Append("k", []byte(" world"))
	if err != nil || n != 11 {
		t.Fatalf("Append: n=%d err=%v", n, err)
	}
	v, err := e.GetRange("k", 0, 4)
	if err != nil || string(v) != "hello" {
		t.Fatalf("GetRange: %q err %v", v, err)
	}
	v, err = e.GetRange("k", -5, -1)
	if err != nil || string(v) != "world" {
		t.Fatalf("GetRange negative indices: %q err %v", v, err)
	}
}

func TestSetRangePadsWithZeros(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	n, err := e.SetRange("k", 5, []byte("hello"))
	if err != nil || n != 10 {
		t.Fatalf("SetRange: n=%d err=%v", n, err)
	}
	v, err := e.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v[5:]) != "hello" {
		t.Fatalf("expected trailing hello, got %q", v)
	}
	for _, b := range v[:5] {
		if b != 0 {
			t.Fatalf("expected zero padding, got %v", v[:5])
		}
	}
}

func TestRenameMovesValue(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	if err := e.Set("src", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Rename("src", "dst"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if e.Exists("src") {
		t.Fatal("expected src to no longer exist")
	}
	v, err := e.Get("dst")
	if err != nil || string(v) != "v" {
		t.Fatalf("expected dst to hold v, got %q err %v", v, err)
	}
}

func TestRenameMissingSourceIsNotFound(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	if err := e.Rename("nope", "dst"); !synaperr.Is(err, synaperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestScanCoversAllKeys(t *testing.T) {
	e := newTestEngine(&manualClock{}, nil)
	want := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		want[key] = true
		if err := e.Set(key, []byte("v"), SetOptions{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	var cursor ScanCursor
	got := make(map[string]bool)
	for {
		keys, next, err := e.Scan(cursor, 7)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		for _, k := range keys {
			got[k] = true
		}
		if next == (ScanCursor{}) {
			break
		}
		cursor = next
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("missing key %q from scan", k)
		}
	}
}

func TestSetWritesWALRecord(t *testing.T) {
	appender := &fakeAppender{}
	e := newTestEngine(&manualClock{}, appender)
	if err := e.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if appender.count() != 1 {
		t.Fatalf("expected 1 appended record, got %d", appender.count())
	}
}

func TestReapExpiredRemovesEntriesAndLogsDeletes(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	appender := &fakeAppender{}
	e := newTestEngine(clock, appender)

	if err := e.Set("k", []byte("v"), SetOptions{TTL: time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(2 * time.Second)
	e.reapExpired()

	if e.Exists("k") {
		t.Fatal("expected expired key removed by reaper")
	}
	if appender.count() != 2 { // SET + reaper's DEL
		t.Fatalf("expected 2 records (set + del), got %d", appender.count())
	}
}

func TestReapExpiredKeepsEntryWhenAppendFails(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := newTestEngine(clock, nil)
	if err := e.Set("k", []byte("v"), SetOptions{TTL: time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e.SetAppender(failingAppender{})
	clock.Advance(2 * time.Second)

	e.reapExpired()

	sh := e.shardFor("k")
	sh.mu.RLock()
	_, stillPresent := sh.entries["k"]
	sh.mu.RUnlock()
	if !stillPresent {
		t.Fatal("expected entry to survive in shard state when its KvDel failed to append")
	}
}

func TestEvictOneSampleKeepsEntryWhenAppendFails(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := New(Options{ShardCount: 1, MaxMemoryBytes: 1, EvictionPolicy: EvictionLRU, Clock: clock.Now})
	if err := e.Set("k", []byte("value"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e.SetAppender(failingAppender{})

	e.evictOneSample()

	if !e.Exists("k") {
		t.Fatal("expected entry to survive eviction when its KvDel failed to append")
	}
}

func TestEvictionUnderMemoryBudget(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	e := New(Options{ShardCount: 4, MaxMemoryBytes: 1, EvictionPolicy: EvictionLRU, Clock: clock.Now})

	for i := 0; i < 10; i++ {
		if err := e.Set(fmt.Sprintf("k%d", i), []byte("value"), SetOptions{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	e.evictIfOverBudget()

	remaining := 0
	var cursor ScanCursor
	for {
		keys, next, err := e.Scan(cursor, 100)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		remaining += len(keys)
		if next == (ScanCursor{}) {
			break
		}
		cursor = next
	}
	if remaining >= 10 {
		t.Fatalf("expected eviction to reduce entry count below 10, got %d", remaining)
	}
}
