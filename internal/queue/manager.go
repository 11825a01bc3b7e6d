package queue

import (
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// ManagerOptions configures defaults applied to every queue the Manager creates.
type ManagerOptions struct {
	DefaultAckDeadline time.Duration
	DefaultMaxRetries  int
	DefaultMaxDepth    int
	Appender           Appender
	Clock              func() time.Time
	RedeliveryTick     time.Duration
}

// Manager owns the set of named queues in the engine, creating them
// lazily on first publish/consume the way the teacher's session registry
// creates match sessions on demand.
type Manager struct {
	opts ManagerOptions

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager constructs an empty queue Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{opts: opts, queues: make(map[string]*Queue)}
}

// Ensure returns the named queue, creating it with the manager's defaults
// if it doesn't already exist.
func (m *Manager) Ensure(name string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[name]; ok {
		return q
	}
	q = New(Options{
		Name:        name,
		AckDeadline: m.opts.DefaultAckDeadline,
		MaxRetries:  m.opts.DefaultMaxRetries,
		MaxDepth:    m.opts.DefaultMaxDepth,
		Appender:    m.opts.Appender,
		Clock:       m.opts.Clock,
	})
	q.StartRedeliveryMonitor(m.opts.RedeliveryTick)
	m.queues[name] = q
	return q
}

// SetAppender updates the default appender handed to queues created after
// this call and swaps the live appender on every queue that already exists.
// Used by startup recovery: the manager is constructed with a nil appender
// so WAL-tail replay never re-logs what it reads, then SetAppender attaches
// the live WAL writer once every queue is caught up.
func (m *Manager) SetAppender(appender Appender) {
	m.mu.Lock()
	m.opts.Appender = appender
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.SetAppender(appender)
	}
}

// Apply replays rec against the queue it names, creating the queue with the
// manager's defaults first if this is the first record seen for it.
func (m *Manager) Apply(rec *oplog.Record) error {
	if rec.Queue == "" {
		return synaperr.New(synaperr.InvalidArgument, "replayed queue record missing queue name")
	}
	return m.Ensure(rec.Queue).Apply(rec)
}

// SnapshotEntries returns a copy of every pending and inflight message
// across every queue, for a snapshot.Writer to stream to disk.
func (m *Manager) SnapshotEntries() []SnapshotEntry {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	var out []SnapshotEntry
	for _, q := range queues {
		out = append(out, q.snapshotEntries()...)
	}
	return out
}

// Get returns the named queue without creating it.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, synaperr.New(synaperr.NotFound, "queue %q does not exist", name)
	}
	return q, nil
}

// List returns the names of every queue the manager has created.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Delete stops and removes the named queue entirely, discarding any
// pending, inflight, or dead-lettered messages.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return synaperr.New(synaperr.NotFound, "queue %q does not exist", name)
	}
	q.Stop()
	delete(m.queues, name)
	return nil
}
