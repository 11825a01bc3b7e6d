package replication

import (
	"sync"
	"time"

	"synap/internal/oplog"
)

// Conn is the minimal transport a replicaSender needs; *net.TCPConn
// satisfies it directly.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
}

// replicaSender owns one replica's outbound queue, batching records and
// applying the bandwidth budget before writing wire frames. A replica that
// cannot keep up degrades independently: its queue backs up and its budget
// throttles it without affecting any other replica or the master's own
// commit path.
type replicaSender struct {
	id           string
	conn         Conn
	batchSize    int
	batchTimeout time.Duration
	budget       *tokenBucket

	queue    chan *oplog.Record
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	lastErr error
}

func newReplicaSender(id string, conn Conn, batchSize int, batchTimeout time.Duration) *replicaSender {
	return &replicaSender{
		id:           id,
		conn:         conn,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		budget:       newTokenBucket(defaultReplicaBytesPerSecond, time.Now),
		queue:        make(chan *oplog.Record, batchSize*8),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// enqueue adds rec to the replica's send queue. If the queue is full (the
// replica is badly behind), the oldest-style backpressure is applied by
// dropping the new record's fast-path and instead relying on the ring's
// since() to cover the gap at the replica's next full resync — the queue
// capacity is generous specifically so this is a rare, not routine, event.
func (rs *replicaSender) enqueue(rec *oplog.Record) {
	select {
	case rs.queue <- rec:
	default:
		rs.mu.Lock()
		rs.lastErr = errReplicaQueueFull
		rs.mu.Unlock()
	}
}

func (rs *replicaSender) stop() {
	select {
	case <-rs.stopCh:
	default:
		close(rs.stopCh)
	}
	<-rs.doneCh
	rs.conn.Close()
}

func (rs *replicaSender) run() {
	defer close(rs.doneCh)

	timer := time.NewTimer(rs.batchTimeout)
	defer timer.Stop()
	var batch []*oplog.Record

	flush := func() {
		if len(batch) == 0 {
			return
		}
		//1.- Encode each queued record and charge its wire size against the bandwidth budget.
		for i, rec := range batch {
			payload, err := oplog.Encode(rec)
			if err != nil {
				rs.recordErr(err)
				continue
			}
			rs.budget.take(float64(len(payload)))
			//2.- A write failure ends this flush early; the rest of the batch stays queued.
			if err := oplog.WriteFramePayload(rs.conn, payload); err != nil {
				rs.recordErr(err)
				batch = batch[i:]
				return
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-rs.stopCh:
			flush()
			return
		case rec, ok := <-rs.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= rs.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(rs.batchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(rs.batchTimeout)
		}
	}
}

func (rs *replicaSender) recordErr(err error) {
	rs.mu.Lock()
	rs.lastErr = err
	rs.mu.Unlock()
}

// LastError returns the most recent send error observed, if any.
func (rs *replicaSender) LastError() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastErr
}
