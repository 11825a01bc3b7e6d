// Package replication implements master-to-replica asynchronous streaming:
// a bounded in-memory ring of OperationRecords on the master, one sender
// goroutine per connected replica with independent batching and
// backpressure, and the replica-side handshake/resync/apply loop.
package replication

import (
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// Role identifies whether a node is acting as master, replica, or neither.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
	RoleNone    Role = "none"
)

// SyncMode indicates whether a replica is caught up to the live stream or
// still replaying a full resync.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// Applier applies a replicated record to local engine state; the replica
// side wires this to the KV/queue/stream engines' record-replay entry point.
type Applier interface {
	Apply(rec *oplog.Record) error
}

// ring is a bounded, offset-indexed retention buffer of OperationRecords.
// Old entries are dropped once the ring exceeds its configured entry or age
// budget, at which point a replica requesting an offset older than the
// oldest retained entry must fall back to a full resync.
type ringEntry struct {
	rec        *oplog.Record
	appendedAt time.Time
}

type ring struct {
	mu         sync.Mutex
	maxEntries int
	maxAge     time.Duration
	clock      func() time.Time
	entries    []ringEntry // ascending by Offset
}

func newRing(maxEntries int, maxAge time.Duration, clock func() time.Time) *ring {
	if maxEntries <= 0 {
		maxEntries = 1_000_000
	}
	if clock == nil {
		clock = time.Now
	}
	return &ring{maxEntries: maxEntries, maxAge: maxAge, clock: clock}
}

func (r *ring) append(rec *oplog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ringEntry{rec: rec, appendedAt: r.clock()})
	r.trimLocked()
}

func (r *ring) trimLocked() {
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	if r.maxAge > 0 {
		now := r.clock()
		cut := 0
		for cut < len(r.entries) && now.Sub(r.entries[cut].appendedAt) > r.maxAge {
			cut++
		}
		if cut > 0 {
			r.entries = r.entries[cut:]
		}
	}
}

// since returns every record with Offset > fromOffset, plus whether
// fromOffset fell before the ring's retained window (in which case the
// caller must perform a full resync instead).
func (r *ring) since(fromOffset oplog.LogOffset) ([]*oplog.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil, false
	}
	oldest := r.entries[0].rec.Offset
	if fromOffset < oldest-1 {
		return nil, true // truncated: caller must full-resync
	}

	var out []*oplog.Record
	for _, e := range r.entries {
		if e.rec.Offset > fromOffset {
			out = append(out, e.rec)
		}
	}
	return out, false
}

// Master owns the retention ring and the set of connected replica senders.
type Master struct {
	ring *ring

	mu       sync.Mutex
	replicas map[string]*replicaSender

	batchSize    int
	batchTimeout time.Duration
	clock        func() time.Time
}

// MasterOptions configures a new Master.
type MasterOptions struct {
	LogRetentionEntries int
	LogRetentionSeconds int
	BatchSize           int
	BatchTimeout        time.Duration
	Clock               func() time.Time
}

// NewMaster constructs a replication Master.
func NewMaster(opts MasterOptions) *Master {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	maxAge := time.Duration(opts.LogRetentionSeconds) * time.Second
	return &Master{
		ring:         newRing(opts.LogRetentionEntries, maxAge, opts.Clock),
		replicas:     make(map[string]*replicaSender),
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
		clock:        opts.Clock,
	}
}

// Publish records rec in the retention ring and forwards it to every
// connected replica's send queue. It should be called once per committed
// WAL record, after the local engine has applied the mutation.
func (m *Master) Publish(rec *oplog.Record) {
	m.ring.append(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.replicas {
		rs.enqueue(rec)
	}
}

// AttachReplica registers a newly handshaked replica connection and starts
// its dedicated sender goroutine, seeded with every record since fromOffset
// (or a full-resync signal if that offset has already been trimmed from the
// ring).
func (m *Master) AttachReplica(id string, conn Conn, fromOffset oplog.LogOffset) (*replicaSender, SyncMode, error) {
	backlog, needsFull := m.ring.since(fromOffset)

	rs := newReplicaSender(id, conn, m.batchSize, m.batchTimeout)
	m.mu.Lock()
	m.replicas[id] = rs
	m.mu.Unlock()

	mode := SyncIncremental
	if needsFull {
		mode = SyncFull
	} else {
		for _, rec := range backlog {
			rs.enqueue(rec)
		}
	}
	go rs.run()
	return rs, mode, nil
}

// DetachReplica stops and removes the named replica's sender.
func (m *Master) DetachReplica(id string) {
	m.mu.Lock()
	rs, ok := m.replicas[id]
	delete(m.replicas, id)
	m.mu.Unlock()
	if ok {
		rs.stop()
	}
}

// ReplicaCount reports how many replicas currently connected.
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

var errUnknownReplica = synaperr.New(synaperr.NotFound, "replication: unknown replica")
