// Package queue implements the at-least-once message queue engine: priority
// pending lanes, an inflight table keyed by entry id with deadline-based
// redelivery, and a dead-letter lane for entries that exhaust their retry
// budget.
package queue

import (
	"container/list"
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// Appender durably records a mutation before the engine applies it.
type Appender interface {
	Append(rec *oplog.Record) (oplog.LogOffset, error)
}

const priorityBands = 10 // priorities 0-9

// payload is reference-counted so the same bytes are shared between a
// message's pending and inflight representation without copying.
type payload struct {
	mu   sync.Mutex
	data []byte
	refs int
}

func newPayload(data []byte) *payload {
	return &payload{data: data, refs: 1}
}

func (p *payload) retain() *payload {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return p
}

func (p *payload) release() {
	p.mu.Lock()
	p.refs--
	p.mu.Unlock()
}

// Message is the caller-facing view of one queue entry.
type Message struct {
	EntryID    string
	Priority   int
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
	Headers    *structpb.Struct
}

// noMaxRetriesOverride marks a pendingEntry/inflightMessage as using the
// queue's default retry budget rather than a per-message override.
const noMaxRetriesOverride = -1

// inflightMessage tracks a message handed to a consumer awaiting ack/nack.
type inflightMessage struct {
	entryID    string
	priority   int
	payload    *payload
	attempts   int
	enqueuedAt time.Time
	deadline   time.Time
	expiresAt  time.Time // zero means no per-message TTL
	maxRetries int        // noMaxRetriesOverride means use the queue default
	headers    *structpb.Struct
}

// Options configures a new Queue.
type Options struct {
	Name               string
	AckDeadline        time.Duration
	MaxRetries         int
	MaxDepth           int
	Appender           Appender
	Clock              func() time.Time
	IDFunc             func() string
}

// Queue is a single named at-least-once message queue.
type Queue struct {
	name        string
	ackDeadline time.Duration
	maxRetries  int
	maxDepth    int
	appender    Appender
	clock       func() time.Time
	idFunc      func() string

	mu         sync.Mutex
	pending    [priorityBands]*list.List // each element is *pendingEntry
	inflight   map[string]*inflightMessage
	deadLetter []*inflightMessage
	depth      int

	monitorStop chan struct{}
	monitorDone chan struct{}
}

type pendingEntry struct {
	entryID    string
	payload    *payload
	attempts   int
	enqueuedAt time.Time
	expiresAt  time.Time // zero means no per-message TTL
	maxRetries int        // noMaxRetriesOverride means use the queue default
	headers    *structpb.Struct
}

func (pe *pendingEntry) expired(now time.Time) bool {
	return !pe.expiresAt.IsZero() && !now.Before(pe.expiresAt)
}

// New constructs a Queue with the given options.
func New(opts Options) *Queue {
	if opts.AckDeadline <= 0 {
		opts.AckDeadline = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDFunc == nil {
		opts.IDFunc = func() string { return uuid.NewString() }
	}
	q := &Queue{
		name:        opts.Name,
		ackDeadline: opts.AckDeadline,
		maxRetries:  opts.MaxRetries,
		maxDepth:    opts.MaxDepth,
		appender:    opts.Appender,
		clock:       opts.Clock,
		idFunc:      opts.IDFunc,
		inflight:    make(map[string]*inflightMessage),
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	for i := range q.pending {
		q.pending[i] = list.New()
	}
	return q
}

// SetAppender swaps the queue's durability sink. Used once WAL-tail replay
// has caught the queue up to the live offset and it is about to start
// serving traffic, so further mutations are logged instead of replayed.
func (q *Queue) SetAppender(appender Appender) {
	q.mu.Lock()
	q.appender = appender
	q.mu.Unlock()
}

// StartRedeliveryMonitor launches the background goroutine that requeues
// inflight messages whose ack deadline has elapsed.
func (q *Queue) StartRedeliveryMonitor(tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	go q.monitorLoop(tick)
}

// Stop halts the redelivery monitor.
func (q *Queue) Stop() {
	select {
	case <-q.monitorStop:
	default:
		close(q.monitorStop)
	}
}

// Depth returns the current count of pending (not inflight) messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// PublishOptions carries the optional per-message overrides a caller may
// attach to a single Publish: a TTL after which the message is dropped
// before ever being consumed, a retry budget overriding the queue's default,
// and free-form headers carried alongside the payload to CONSUME and
// replicated/replayed the same way.
type PublishOptions struct {
	TTL        time.Duration // zero means the message never expires while pending
	MaxRetries int           // zero or negative means use the queue's default
	Headers    *structpb.Struct
}

// Publish enqueues data at the given priority (0-9, higher served first).
func (q *Queue) Publish(data []byte, priority int, opts PublishOptions) (string, error) {
	if priority < 0 || priority >= priorityBands {
		return "", synaperr.New(synaperr.InvalidArgument, "queue: priority must be 0-%d", priorityBands-1)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = noMaxRetriesOverride
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 && q.depth >= q.maxDepth {
		return "", synaperr.New(synaperr.QueueFull, "queue %q at max depth %d", q.name, q.maxDepth)
	}

	entryID := q.idFunc()
	now := q.clock()

	var expiresAt time.Time
	var ttlMs int64
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL)
		ttlMs = opts.TTL.Milliseconds()
	}

	rec := &oplog.Record{
		Kind:       oplog.QueuePublish,
		Queue:      q.name,
		EntryID:    entryID,
		Value:      data,
		Priority:   int32(priority),
		TTLMs:      ttlMs,
		MaxRetries: int32(opts.MaxRetries),
		Headers:    opts.Headers,
	}
	if err := q.appendRecord(rec); err != nil {
		return "", err
	}

	pe := &pendingEntry{
		entryID:    entryID,
		payload:    newPayload(data),
		enqueuedAt: now,
		expiresAt:  expiresAt,
		maxRetries: opts.MaxRetries,
		headers:    opts.Headers,
	}
	// Priority band is stored in the pendingEntry's containing list, not the
	// struct itself, so band index below doubles as the priority.
	q.pending[priorityBands-1-priority].PushBack(pe)
	q.depth++
	return entryID, nil
}

// effectiveMaxRetries resolves a per-message retry override (if any) against
// the queue's default; zero or negative means no override.
func (q *Queue) effectiveMaxRetries(override int) int {
	if override <= 0 {
		return q.maxRetries
	}
	return override
}
