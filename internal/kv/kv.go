// Package kv implements the sharded in-memory key-value engine: N
// independently locked shards selected by a hash of the key, each a plain Go
// map of entries that may carry an optional TTL, with sampling-based
// eviction once the engine's configured memory budget is exceeded.
package kv

import (
	"hash/fnv"
	"sync"
	"time"

	"synap/internal/oplog"
)

// Appender durably records a mutation before the engine applies it in
// memory. The wal.Writer satisfies this; tests substitute a no-op or
// recording fake.
type Appender interface {
	Append(rec *oplog.Record) (oplog.LogOffset, error)
}

// EvictionPolicy selects which sampled entry is evicted first when the
// engine is over its memory budget.
type EvictionPolicy string

const (
	EvictionLRU EvictionPolicy = "lru"
	EvictionLFU EvictionPolicy = "lfu"
	EvictionTTL EvictionPolicy = "ttl"
)

const evictionSampleSize = 5

// entry is the value stored per key. expiresAt.IsZero() means the entry is
// persistent (spec's Persistent variant); a non-zero expiresAt is the
// Expiring variant.
type entry struct {
	value      []byte
	expiresAt  time.Time
	accessTime time.Time
	accessCnt  uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	bytes   int64
}

// Options configures a new Engine.
type Options struct {
	ShardCount     int
	MaxMemoryBytes int64
	EvictionPolicy EvictionPolicy
	Appender       Appender
	Clock          func() time.Time
}

// Engine is the sharded KV store.
type Engine struct {
	shards   []*shard
	appender Appender
	clock    func() time.Time
	policy   EvictionPolicy
	maxBytes int64
	used     int64 // atomic

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New constructs an Engine with opts.ShardCount shards (at least 1).
func New(opts Options) *Engine {
	if opts.ShardCount <= 0 {
		opts.ShardCount = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.EvictionPolicy == "" {
		opts.EvictionPolicy = EvictionLRU
	}
	shards := make([]*shard, opts.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	e := &Engine{
		shards:     shards,
		appender:   opts.Appender,
		clock:      opts.Clock,
		policy:     opts.EvictionPolicy,
		maxBytes:   opts.MaxMemoryBytes,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	return e
}

// SetAppender swaps the engine's durability sink. Used by startup recovery,
// which replays a WAL tail into an Engine constructed with a nil appender
// (so replay never re-logs what it is reading) and then attaches the live
// WAL writer once the in-memory state is caught up.
func (e *Engine) SetAppender(appender Appender) {
	e.appender = appender
}

// StartBackground launches the TTL reaper and memory-pressure eviction loop.
func (e *Engine) StartBackground(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go e.reapLoop(interval)
}

// Stop halts the background reaper, if started.
func (e *Engine) Stop() {
	select {
	case <-e.reaperStop:
	default:
		close(e.reaperStop)
	}
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func entrySize(key string, e *entry) int64 {
	return int64(len(key) + len(e.value) + 32)
}

// appendRecord durably logs rec before the caller mutates shard state. A nil
// appender (used in tests that don't exercise durability) is a no-op.
func (e *Engine) appendRecord(rec *oplog.Record) error {
	if e.appender == nil {
		return nil
	}
	_, err := e.appender.Append(rec)
	return err
}
