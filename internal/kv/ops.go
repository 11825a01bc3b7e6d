package kv

import (
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// SetOptions configures the SET operation's optional TTL and existence
// constraints (NX/XX).
type SetOptions struct {
	TTL             time.Duration // zero means persistent
	OnlyIfExists    bool
	OnlyIfNotExists bool
}

// Set stores value at key, replacing whatever was there, honouring the
// NX/XX existence constraints and optional TTL.
func (e *Engine) Set(key string, value []byte, opts SetOptions) error {
	if key == "" {
		return synaperr.New(synaperr.InvalidArgument, "kv: key must not be empty")
	}
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	//1.- An expired existing entry is treated as absent for the NX/XX checks below.
	existing, ok := sh.entries[key]
	if ok && existing.expired(now) {
		e.releaseLocked(sh, key, existing)
		ok = false
	}
	if opts.OnlyIfExists && !ok {
		return synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}
	if opts.OnlyIfNotExists && ok {
		return synaperr.New(synaperr.AlreadyExists, "kv: key %q already exists", key)
	}

	//2.- Resolve the TTL into both an absolute deadline and a durable relative value.
	var ttlMs int64
	var expiresAt time.Time
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL)
		ttlMs = opts.TTL.Milliseconds()
	}

	//3.- The WAL record must be durable before the in-memory shard is mutated.
	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: value, TTLMs: ttlMs}); err != nil {
		return err
	}

	ent := &entry{value: append([]byte(nil), value...), expiresAt: expiresAt, accessTime: now, accessCnt: 0}
	var oldSize int64
	if ok {
		oldSize = entrySize(key, existing)
		sh.bytes -= oldSize
	}
	sh.entries[key] = ent
	newSize := entrySize(key, ent)
	sh.bytes += newSize
	atomic.AddInt64(&e.used, newSize-oldSize)
	return nil
}

// Get returns the value stored at key, or a NotFound error if absent or
// expired.
func (e *Engine) Get(key string) ([]byte, error) {
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if !ok || ent.expired(now) {
		if ok {
			e.releaseLocked(sh, key, ent)
		}
		return nil, synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}
	ent.accessTime = now
	ent.accessCnt++
	return append([]byte(nil), ent.value...), nil
}

// Del removes key, returning whether it existed.
func (e *Engine) Del(key string) (bool, error) {
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if !ok || ent.expired(now) {
		if ok {
			e.releaseLocked(sh, key, ent)
		}
		return false, nil
	}

	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvDel, Key: key}); err != nil {
		return false, err
	}
	e.releaseLocked(sh, key, ent)
	return true, nil
}

// Exists reports whether key is present and unexpired.
func (e *Engine) Exists(key string) bool {
	sh := e.shardFor(key)
	now := e.clock()
	sh.mu.RLock()
	ent, ok := sh.entries[key]
	sh.mu.RUnlock()
	return ok && !ent.expired(now)
}

// Type returns "string" for any present key; the engine carries only byte
// string values.
func (e *Engine) Type(key string) (string, error) {
	if !e.Exists(key) {
		return "", synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}
	return "string", nil
}

// Strlen returns the byte length of the value stored at key.
func (e *Engine) Strlen(key string) (int, error) {
	v, err := e.Get(key)
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// TTL returns the remaining time-to-live for key, or -1 if persistent.
// Returns NotFound if the key is absent or expired.
func (e *Engine) TTL(key string) (time.Duration, error) {
	sh := e.shardFor(key)
	now := e.clock()
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ent, ok := sh.entries[key]
	if !ok || ent.expired(now) {
		return 0, synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}
	if ent.expiresAt.IsZero() {
		return -1, nil
	}
	return ent.expiresAt.Sub(now), nil
}

// Expire sets or replaces key's TTL.
func (e *Engine) Expire(key string, ttl time.Duration) error {
	if ttl <= 0 {
		return synaperr.New(synaperr.InvalidArgument, "kv: ttl must be positive")
	}
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if !ok || ent.expired(now) {
		if ok {
			e.releaseLocked(sh, key, ent)
		}
		return synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}

	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: ent.value, TTLMs: ttl.Milliseconds()}); err != nil {
		return err
	}
	ent.expiresAt = now.Add(ttl)
	return nil
}

// Persist removes any TTL on key, making it persistent.
func (e *Engine) Persist(key string) error {
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if !ok || ent.expired(now) {
		if ok {
			e.releaseLocked(sh, key, ent)
		}
		return synaperr.New(synaperr.NotFound, "kv: key %q does not exist", key)
	}
	if ent.expiresAt.IsZero() {
		return nil
	}

	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: ent.value, TTLMs: 0}); err != nil {
		return err
	}
	ent.expiresAt = time.Time{}
	return nil
}

// IncrBy adds delta to the integer stored at key (defaulting to 0 if
// absent) and returns the new value. Returns WrongType if the stored value
// is not a base-10 integer.
func (e *Engine) IncrBy(key string, delta int64) (int64, error) {
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if ok && ent.expired(now) {
		e.releaseLocked(sh, key, ent)
		ok = false
	}

	//1.- Parse the existing value as a base-10 integer, defaulting to 0 if absent.
	var current int64
	if ok {
		parsed, err := strconv.ParseInt(string(ent.value), 10, 64)
		if err != nil {
			return 0, synaperr.Wrap(synaperr.WrongType, err, "kv: value at %q is not an integer", key)
		}
		current = parsed
	}
	next := current + delta
	nextBytes := []byte(strconv.FormatInt(next, 10))

	//2.- Durably record the new value before mutating the in-memory shard.
	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: nextBytes}); err != nil {
		return 0, err
	}

	//3.- Update the existing entry in place or allocate a new one.
	if ok {
		sh.bytes -= entrySize(key, ent)
		ent.value = nextBytes
		sh.bytes += entrySize(key, ent)
	} else {
		newEnt := &entry{value: nextBytes, accessTime: now}
		sh.entries[key] = newEnt
		sh.bytes += entrySize(key, newEnt)
		atomic.AddInt64(&e.used, entrySize(key, newEnt))
	}
	return next, nil
}

// Incr increments the integer at key by 1.
func (e *Engine) Incr(key string) (int64, error) { return e.IncrBy(key, 1) }

// Decr decrements the integer at key by 1.
func (e *Engine) Decr(key string) (int64, error) { return e.IncrBy(key, -1) }

// Append appends suffix to the value stored at key (creating it if absent)
// and returns the resulting length.
func (e *Engine) Append(key string, suffix []byte) (int, error) {
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if ok && ent.expired(now) {
		e.releaseLocked(sh, key, ent)
		ok = false
	}

	var next []byte
	if ok {
		next = append(append([]byte(nil), ent.value...), suffix...)
	} else {
		next = append([]byte(nil), suffix...)
	}

	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: next}); err != nil {
		return 0, err
	}

	if ok {
		sh.bytes -= entrySize(key, ent)
		ent.value = next
		sh.bytes += entrySize(key, ent)
	} else {
		newEnt := &entry{value: next, accessTime: now}
		sh.entries[key] = newEnt
		sh.bytes += entrySize(key, newEnt)
		atomic.AddInt64(&e.used, entrySize(key, newEnt))
	}
	return len(next), nil
}

// SetRange overwrites value bytes starting at offset, zero-padding if the
// existing value is shorter than offset, and returns the resulting length.
func (e *Engine) SetRange(key string, offset int, value []byte) (int, error) {
	if offset < 0 {
		return 0, synaperr.New(synaperr.InvalidArgument, "kv: offset must be non-negative")
	}
	sh := e.shardFor(key)
	now := e.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if ok && ent.expired(now) {
		e.releaseLocked(sh, key, ent)
		ok = false
	}

	var current []byte
	if ok {
		current = ent.value
	}
	needed := offset + len(value)
	next := make([]byte, max(len(current), needed))
	copy(next, current)
	copy(next[offset:], value)

	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvSet, Key: key, Value: next}); err != nil {
		return 0, err
	}

	if ok {
		sh.bytes -= entrySize(key, ent)
		ent.value = next
		sh.bytes += entrySize(key, ent)
	} else {
		newEnt := &entry{value: next, accessTime: now}
		sh.entries[key] = newEnt
		sh.bytes += entrySize(key, newEnt)
		atomic.AddInt64(&e.used, entrySize(key, newEnt))
	}
	return len(next), nil
}

// GetRange returns the inclusive byte range [start, end] of the value at
// key, clamping to the value's bounds the way most string-range APIs do.
func (e *Engine) GetRange(key string, start, end int) ([]byte, error) {
	v, err := e.Get(key)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return []byte{}, nil
	}
	if start < 0 {
		start = max(0, len(v)+start)
	}
	if end < 0 {
		end = len(v) + end
	}
	if end >= len(v) {
		end = len(v) - 1
	}
	if start > end || start >= len(v) {
		return []byte{}, nil
	}
	return append([]byte(nil), v[start:end+1]...), nil
}

// Rename moves the value at src to dst atomically, acquiring both shard
// locks in a canonical order (by shard index) to avoid deadlock against a
// concurrent Rename of the swapped key pair.
func (e *Engine) Rename(src, dst string) error {
	if src == dst {
		if !e.Exists(src) {
			return synaperr.New(synaperr.NotFound, "kv: key %q does not exist", src)
		}
		return nil
	}

	srcShard := e.shardFor(src)
	dstShard := e.shardFor(dst)
	now := e.clock()

	//1.- Two shards need both locks; always acquire them in index order to avoid deadlock.
	first, second := srcShard, dstShard
	if srcShard == dstShard {
		first.mu.Lock()
		defer first.mu.Unlock()
	} else {
		if shardIndex(e, srcShard) > shardIndex(e, dstShard) {
			first, second = dstShard, srcShard
		}
		first.mu.Lock()
		defer first.mu.Unlock()
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	ent, ok := srcShard.entries[src]
	if !ok || ent.expired(now) {
		if ok {
			e.releaseLocked(srcShard, src, ent)
		}
		return synaperr.New(synaperr.NotFound, "kv: key %q does not exist", src)
	}

	//2.- The rename must be durable before either shard's map is touched.
	if err := e.appendRecord(&oplog.Record{Kind: oplog.KvRename, Key: src, NewKey: dst}); err != nil {
		return err
	}

	delete(srcShard.entries, src)
	srcShard.bytes -= entrySize(src, ent)

	if old, existed := dstShard.entries[dst]; existed {
		dstShard.bytes -= entrySize(dst, old)
	}
	dstShard.entries[dst] = ent
	dstShard.bytes += entrySize(dst, ent)
	return nil
}

func shardIndex(e *Engine, s *shard) int {
	for i, sh := range e.shards {
		if sh == s {
			return i
		}
	}
	return -1
}

// ScanCursor is an opaque position returned by Scan for the next page.
type ScanCursor struct {
	ShardIndex int
	KeyOffset  int
}

// Scan walks the keyspace in shard order, returning up to count keys
// starting from cursor, and the cursor to resume from. A zero-value cursor
// starts from the beginning; a returned zero-value cursor signals the scan
// is complete.
func (e *Engine) Scan(cursor ScanCursor, count int) ([]string, ScanCursor, error) {
	if count <= 0 {
		count = 100
	}
	now := e.clock()
	var keys []string

	for si := cursor.ShardIndex; si < len(e.shards); si++ {
		sh := e.shards[si]
		sh.mu.RLock()
		ordered := make([]string, 0, len(sh.entries))
		for k := range sh.entries {
			ordered = append(ordered, k)
		}
		sort.Strings(ordered)

		start := 0
		if si == cursor.ShardIndex {
			start = cursor.KeyOffset
		}
		for i := start; i < len(ordered); i++ {
			k := ordered[i]
			ent := sh.entries[k]
			if ent.expired(now) {
				continue
			}
			keys = append(keys, k)
			if len(keys) >= count {
				next := ScanCursor{ShardIndex: si, KeyOffset: i + 1}
				if next.KeyOffset >= len(ordered) {
					next = ScanCursor{ShardIndex: si + 1, KeyOffset: 0}
				}
				sh.mu.RUnlock()
				return keys, next, nil
			}
		}
		sh.mu.RUnlock()
	}
	return keys, ScanCursor{}, nil
}

// releaseLocked removes ent from sh under the caller's held lock and
// subtracts its size from the shard and engine byte counters. It writes no
// WAL record; callers that need a KvDel record append it before calling.
func (e *Engine) releaseLocked(sh *shard, key string, ent *entry) {
	delete(sh.entries, key)
	sh.bytes -= entrySize(key, ent)
	atomic.AddInt64(&e.used, -entrySize(key, ent))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SnapshotEntry is one live key captured for a point-in-time checkpoint.
type SnapshotEntry struct {
	Key   string
	Value []byte
	TTLMs int64 // remaining time-to-live as of the snapshot, 0 for persistent
}

// SnapshotEntries returns a copy of every unexpired entry across all shards,
// for a snapshot.Writer to stream to disk. Entries past their expiry but not
// yet reaped by the background sweep are skipped, matching Get's lazy-expiry
// semantics.
func (e *Engine) SnapshotEntries() []SnapshotEntry {
	now := e.clock()
	var out []SnapshotEntry
	for _, sh := range e.shards {
		sh.mu.RLock()
		for key, ent := range sh.entries {
			if ent.expired(now) {
				continue
			}
			var ttlMs int64
			if !ent.expiresAt.IsZero() {
				ttlMs = ent.expiresAt.Sub(now).Milliseconds()
				if ttlMs < 1 {
					ttlMs = 1
				}
			}
			out = append(out, SnapshotEntry{Key: key, Value: append([]byte(nil), ent.value...), TTLMs: ttlMs})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Apply replays a previously-durable oplog.Record against local state,
// bypassing NX/XX existence constraints (the original caller already
// resolved those before the record was logged). Used for WAL-tail replay
// at startup and for applying a replicated master's record stream.
//
// It reconstructs shard state directly rather than calling Set/Del/Rename:
// those entry points call appendRecord themselves whenever an appender is
// attached, which would re-append a record that is either already on disk
// (WAL-tail replay) or being appended by the caller (replica apply),
// writing it twice.
func (e *Engine) Apply(rec *oplog.Record) error {
	switch rec.Kind {
	case oplog.KvSet:
		e.applySetLocked(rec)
		return nil
	case oplog.KvDel:
		e.applyDelLocked(rec.Key)
		return nil
	case oplog.KvRename:
		e.applyRenameLocked(rec.Key, rec.NewKey)
		return nil
	default:
		return nil
	}
}

func (e *Engine) applySetLocked(rec *oplog.Record) {
	sh := e.shardFor(rec.Key)
	now := e.clock()

	var expiresAt time.Time
	if rec.TTLMs > 0 {
		expiresAt = now.Add(time.Duration(rec.TTLMs) * time.Millisecond)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent := &entry{value: append([]byte(nil), rec.Value...), expiresAt: expiresAt, accessTime: now}
	var oldSize int64
	if existing, ok := sh.entries[rec.Key]; ok {
		oldSize = entrySize(rec.Key, existing)
		sh.bytes -= oldSize
	}
	sh.entries[rec.Key] = ent
	newSize := entrySize(rec.Key, ent)
	sh.bytes += newSize
	atomic.AddInt64(&e.used, newSize-oldSize)
}

func (e *Engine) applyDelLocked(key string) {
	sh := e.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[key]
	if !ok {
		return
	}
	e.releaseLocked(sh, key, ent)
}

func (e *Engine) applyRenameLocked(src, dst string) {
	if src == dst {
		return
	}
	srcShard := e.shardFor(src)
	dstShard := e.shardFor(dst)

	first, second := srcShard, dstShard
	if srcShard == dstShard {
		first.mu.Lock()
		defer first.mu.Unlock()
	} else {
		if shardIndex(e, srcShard) > shardIndex(e, dstShard) {
			first, second = dstShard, srcShard
		}
		first.mu.Lock()
		defer first.mu.Unlock()
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	ent, ok := srcShard.entries[src]
	if !ok {
		return
	}

	delete(srcShard.entries, src)
	srcShard.bytes -= entrySize(src, ent)

	if old, existed := dstShard.entries[dst]; existed {
		dstShard.bytes -= entrySize(dst, old)
	}
	dstShard.entries[dst] = ent
	dstShard.bytes += entrySize(dst, ent)
}
