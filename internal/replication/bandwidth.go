package replication

import (
	"sync"
	"time"

	"synap/internal/synaperr"
)

// defaultReplicaBytesPerSecond bounds how fast the master ships bytes to a
// single replica, isolating a slow network path from starving other
// replicas' send loops.
const defaultReplicaBytesPerSecond = 64 << 20 // 64 MiB/s

// tokenBucket is a minimal per-replica byte-rate budget: take() blocks until
// enough tokens have accumulated, smoothing bursts the way the teacher's
// per-client throughput regulator does for WebSocket delivery.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64
	tokens   float64
	last     time.Time
	clock    func() time.Time
}

func newTokenBucket(bytesPerSecond float64, clock func() time.Time) *tokenBucket {
	if bytesPerSecond <= 0 {
		bytesPerSecond = defaultReplicaBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &tokenBucket{capacity: bytesPerSecond, refill: bytesPerSecond, tokens: bytesPerSecond, last: clock(), clock: clock}
}

// take blocks (via a short sleep loop) until cost tokens are available, then
// debits them. The sleep loop polls rather than using a timer/channel
// because replica sends are already serialized through one goroutine per
// replica, so blocking here only throttles that replica's own throughput.
func (b *tokenBucket) take(cost float64) {
	for {
		//1.- Top up tokens for elapsed time before checking whether cost fits.
		b.mu.Lock()
		b.replenishLocked()
		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return
		}
		//2.- Not enough yet: sleep exactly long enough to cover the shortfall, then retry.
		deficit := cost - b.tokens
		waitSeconds := deficit / b.refill
		b.mu.Unlock()
		time.Sleep(time.Duration(waitSeconds * float64(time.Second)))
	}
}

func (b *tokenBucket) replenishLocked() {
	now := b.clock()
	if now.Before(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

var errReplicaQueueFull = synaperr.New(synaperr.Overloaded, "replication: replica send queue full")
