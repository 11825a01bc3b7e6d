package kv

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"synap/internal/oplog"
)

// reapLoop periodically samples a handful of keys per shard and evicts any
// that have expired, and additionally runs eviction once the engine is over
// its configured memory budget. This mirrors a probabilistic TTL sweep
// rather than a precise timer-per-key scheme, trading exactness for O(1)
// bookkeeping per key.
func (e *Engine) reapLoop(interval time.Duration) {
	defer close(e.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.reaperStop:
			return
		case <-ticker.C:
			e.reapExpired()
			e.evictIfOverBudget()
		}
	}
}

// reapExpired samples a bounded number of keys per shard and removes any
// that are expired, writing the KvDel WAL record for each removal. While at
// least a quarter of a shard's sample was expired, that shard is sampled
// again, up to maxResamples extra rounds per sweep.
func (e *Engine) reapExpired() {
	now := e.clock()
	const sampleSize = 20
	const maxResamples = 4

	for _, sh := range e.shards {
		sh.mu.Lock()
		for round := 0; round <= maxResamples; round++ {
			sampled, expired := 0, 0
			for key, ent := range sh.entries {
				if sampled >= sampleSize {
					break
				}
				sampled++
				if ent.expired(now) {
					expired++
					if e.appender != nil {
						// The KvDel must be durable before the entry's bytes are
						// freed, same as Del: on a failed append, skip the release
						// and retry on the next sweep instead of letting recovery
						// observe memory freed ahead of its record.
						if _, err := e.appender.Append(&oplog.Record{Kind: oplog.KvDel, Key: key}); err != nil {
							continue
						}
					}
					e.releaseLocked(sh, key, ent)
				}
			}
			if sampled == 0 || expired*4 < sampled {
				break
			}
		}
		sh.mu.Unlock()
	}
}

// evictIfOverBudget samples entries across shards and removes the most
// evictable one, repeating until the engine is back under its memory
// budget or no more entries exist to sample.
func (e *Engine) evictIfOverBudget() {
	if e.maxBytes <= 0 {
		return
	}
	for atomic.LoadInt64(&e.used) > e.maxBytes {
		if !e.evictOneSample() {
			return
		}
	}
}

func (e *Engine) evictOneSample() bool {
	now := e.clock()

	var bestShard *shard
	var bestKey string
	var bestEnt *entry
	var bestScore float64
	found := false

	shardOrder := rand.Perm(len(e.shards))
	for _, si := range shardOrder[:min(len(shardOrder), evictionSampleSize)] {
		sh := e.shards[si]
		sh.mu.RLock()
		for key, ent := range sh.entries {
			score := e.evictionScore(ent, now)
			if !found || score > bestScore {
				found = true
				bestScore = score
				bestShard = sh
				bestKey = key
				bestEnt = ent
			}
			break // one sample per shard keeps this O(shards) per call
		}
		sh.mu.RUnlock()
	}
	if !found {
		return false
	}

	bestShard.mu.Lock()
	defer bestShard.mu.Unlock()
	// Re-check the entry is still the same one sampled, since another
	// goroutine may have mutated the shard between the sample and this lock.
	current, ok := bestShard.entries[bestKey]
	if !ok || current != bestEnt {
		return true
	}
	if e.appender != nil {
		if _, err := e.appender.Append(&oplog.Record{Kind: oplog.KvDel, Key: bestKey}); err != nil {
			return true
		}
	}
	e.releaseLocked(bestShard, bestKey, bestEnt)
	return true
}

// evictionScore returns a higher-is-more-evictable score for ent under the
// engine's configured policy.
func (e *Engine) evictionScore(ent *entry, now time.Time) float64 {
	switch e.policy {
	case EvictionLFU:
		return -float64(ent.accessCnt)
	case EvictionTTL:
		if ent.expiresAt.IsZero() {
			return math.Inf(-1) // persistent entries are least evictable under a TTL policy
		}
		return -float64(ent.expiresAt.Sub(now))
	default: // EvictionLRU
		return -float64(ent.accessTime.UnixNano())
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
