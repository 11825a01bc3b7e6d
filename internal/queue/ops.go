package queue

import (
	"container/list"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"

	"google.golang.org/protobuf/types/known/structpb"
)

func (q *Queue) appendRecord(rec *oplog.Record) error {
	if q.appender == nil {
		return nil
	}
	_, err := q.appender.Append(rec)
	return err
}

// SnapshotEntry is one message captured for a point-in-time checkpoint.
// Inflight messages are captured as ordinary pending entries: redelivering
// them once more after a restore is always valid under at-least-once
// delivery, and it avoids having to reconstruct ack-deadline bookkeeping
// from a checkpoint.
type SnapshotEntry struct {
	Queue      string
	EntryID    string
	Priority   int
	Payload    []byte
	TTLMs      int64 // remaining time-to-live as of the snapshot, 0 for none
	MaxRetries int32
	Headers    *structpb.Struct
}

// snapshotEntries returns a copy of every pending and inflight message.
func (q *Queue) snapshotEntries() []SnapshotEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	remainingTTL := func(expiresAt time.Time) int64 {
		if expiresAt.IsZero() {
			return 0
		}
		ms := expiresAt.Sub(now).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		return ms
	}

	var out []SnapshotEntry
	for band := 0; band < priorityBands; band++ {
		for e := q.pending[band].Front(); e != nil; e = e.Next() {
			pe := e.Value.(*pendingEntry)
			out = append(out, SnapshotEntry{
				Queue:      q.name,
				EntryID:    pe.entryID,
				Priority:   priorityBands - 1 - band,
				Payload:    append([]byte(nil), pe.payload.data...),
				TTLMs:      remainingTTL(pe.expiresAt),
				MaxRetries: int32(pe.maxRetries),
				Headers:    pe.headers,
			})
		}
	}
	for _, im := range q.inflight {
		out = append(out, SnapshotEntry{
			Queue:      q.name,
			EntryID:    im.entryID,
			Priority:   im.priority,
			Payload:    append([]byte(nil), im.payload.data...),
			TTLMs:      remainingTTL(im.expiresAt),
			MaxRetries: int32(im.maxRetries),
			Headers:    im.headers,
		})
	}
	return out
}

// Apply replays a previously-durable oplog.Record against local state,
// reconstructing pending/inflight/dead-letter placement without generating a
// fresh entry id or re-appending what it is replaying. Used for WAL-tail
// replay at startup and for applying a replicated master's record stream.
func (q *Queue) Apply(rec *oplog.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch rec.Kind {
	case oplog.QueuePublish:
		band := priorityBands - 1 - int(rec.Priority)
		if band < 0 || band >= priorityBands {
			return synaperr.New(synaperr.InvalidArgument, "queue: replayed priority %d out of range", rec.Priority)
		}
		now := q.clock()
		var expiresAt time.Time
		if rec.TTLMs > 0 {
			expiresAt = now.Add(time.Duration(rec.TTLMs) * time.Millisecond)
		}
		q.pending[band].PushBack(&pendingEntry{
			entryID:    rec.EntryID,
			payload:    newPayload(append([]byte(nil), rec.Value...)),
			enqueuedAt: now,
			expiresAt:  expiresAt,
			maxRetries: int(rec.MaxRetries),
			headers:    rec.Headers,
		})
		q.depth++
		return nil

	case oplog.QueueConsume:
		pe, band, ok := q.removePendingLocked(rec.EntryID)
		if !ok {
			return nil
		}
		q.depth--
		priority := priorityBands - 1 - band
		q.inflight[pe.entryID] = &inflightMessage{
			entryID:    pe.entryID,
			priority:   priority,
			payload:    pe.payload,
			attempts:   pe.attempts + 1,
			enqueuedAt: pe.enqueuedAt,
			deadline:   q.clock().Add(q.ackDeadline),
			expiresAt:  pe.expiresAt,
			maxRetries: pe.maxRetries,
			headers:    pe.headers,
		}
		return nil

	case oplog.QueueAck:
		if im, ok := q.inflight[rec.EntryID]; ok {
			delete(q.inflight, rec.EntryID)
			im.payload.release()
		}
		return nil

	case oplog.QueueNack, oplog.QueueRedeliver:
		im, ok := q.inflight[rec.EntryID]
		if !ok {
			return nil
		}
		delete(q.inflight, rec.EntryID)
		if im.attempts >= q.effectiveMaxRetries(im.maxRetries) {
			q.deadLetter = append(q.deadLetter, im)
			return nil
		}
		band := priorityBands - 1 - im.priority
		q.pending[band].PushBack(&pendingEntry{
			entryID:    im.entryID,
			payload:    im.payload,
			attempts:   im.attempts,
			enqueuedAt: im.enqueuedAt,
			expiresAt:  im.expiresAt,
			maxRetries: im.maxRetries,
			headers:    im.headers,
		})
		q.depth++
		return nil

	default:
		return nil
	}
}

// removePendingLocked scans every priority band for entryID, removing and
// returning its band on a hit. Called with q.mu held.
func (q *Queue) removePendingLocked(entryID string) (*pendingEntry, int, bool) {
	for band := 0; band < priorityBands; band++ {
		for e := q.pending[band].Front(); e != nil; e = e.Next() {
			pe := e.Value.(*pendingEntry)
			if pe.entryID == entryID {
				q.pending[band].Remove(e)
				return pe, band, true
			}
		}
	}
	return nil, 0, false
}

// Consume pops the highest-priority pending message (FIFO within a
// priority band) and moves it to the inflight table with a fresh ack
// deadline.
func (q *Queue) Consume() (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	for band := 0; band < priorityBands; band++ {
		for {
			front := q.pending[band].Front()
			if front == nil {
				break
			}
			pe := front.Value.(*pendingEntry)
			if pe.expired(now) {
				q.pending[band].Remove(front)
				q.depth--
				pe.payload.release()
				continue
			}
			q.pending[band].Remove(front)
			q.depth--

			priority := priorityBands - 1 - band

			if err := q.appendRecord(&oplog.Record{Kind: oplog.QueueConsume, Queue: q.name, EntryID: pe.entryID}); err != nil {
				// Roll back: put the entry back at the front of its band.
				q.pending[band].PushFront(pe)
				q.depth++
				return nil, err
			}

			im := &inflightMessage{
				entryID:    pe.entryID,
				priority:   priority,
				payload:    pe.payload,
				attempts:   pe.attempts + 1,
				enqueuedAt: pe.enqueuedAt,
				deadline:   now.Add(q.ackDeadline),
				expiresAt:  pe.expiresAt,
				maxRetries: pe.maxRetries,
				headers:    pe.headers,
			}
			q.inflight[pe.entryID] = im

			return &Message{
				EntryID:    im.entryID,
				Priority:   im.priority,
				Payload:    append([]byte(nil), im.payload.data...),
				Attempts:   im.attempts,
				EnqueuedAt: im.enqueuedAt,
				Headers:    im.headers,
			}, nil
		}
	}
	return nil, synaperr.New(synaperr.NotFound, "queue %q has no pending messages", q.name)
}

// Ack confirms successful processing of entryID, freeing its payload.
func (q *Queue) Ack(entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	im, ok := q.inflight[entryID]
	if !ok {
		return synaperr.New(synaperr.UnknownMessage, "queue %q: unknown entry %q", q.name, entryID)
	}

	if err := q.appendRecord(&oplog.Record{Kind: oplog.QueueAck, Queue: q.name, EntryID: entryID}); err != nil {
		return err
	}

	delete(q.inflight, entryID)
	im.payload.release()
	return nil
}

// Nack returns entryID to pending (if retries remain) or the dead-letter
// lane (if exhausted).
func (q *Queue) Nack(entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nackLocked(entryID)
}

func (q *Queue) nackLocked(entryID string) error {
	im, ok := q.inflight[entryID]
	if !ok {
		return synaperr.New(synaperr.UnknownMessage, "queue %q: unknown entry %q", q.name, entryID)
	}

	if err := q.appendRecord(&oplog.Record{Kind: oplog.QueueNack, Queue: q.name, EntryID: entryID}); err != nil {
		return err
	}
	delete(q.inflight, entryID)

	if im.attempts >= q.effectiveMaxRetries(im.maxRetries) {
		q.deadLetter = append(q.deadLetter, im)
		return nil
	}

	band := priorityBands - 1 - im.priority
	q.pending[band].PushBack(&pendingEntry{
		entryID:    im.entryID,
		payload:    im.payload,
		attempts:   im.attempts,
		enqueuedAt: im.enqueuedAt,
		expiresAt:  im.expiresAt,
		maxRetries: im.maxRetries,
		headers:    im.headers,
	})
	q.depth++
	return nil
}

// Peek returns up to count pending messages without removing them, highest
// priority first, leaving attempts/payload untouched.
func (q *Queue) Peek(count int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for band := 0; band < priorityBands && len(out) < count; band++ {
		for e := q.pending[band].Front(); e != nil && len(out) < count; e = e.Next() {
			pe := e.Value.(*pendingEntry)
			out = append(out, Message{
				EntryID:    pe.entryID,
				Priority:   priorityBands - 1 - band,
				Payload:    append([]byte(nil), pe.payload.data...),
				Attempts:   pe.attempts,
				EnqueuedAt: pe.enqueuedAt,
				Headers:    pe.headers,
			})
		}
	}
	return out
}

// Stats summarises queue depth and in-flight/dead-letter counts.
type Stats struct {
	Pending    int
	Inflight   int
	DeadLetter int
}

// Stats returns a snapshot of the queue's current bookkeeping.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: q.depth, Inflight: len(q.inflight), DeadLetter: len(q.deadLetter)}
}

// Purge discards every pending message (inflight and dead-lettered entries
// are left untouched) and returns the number removed.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.depth
	for i := range q.pending {
		q.pending[i] = list.New()
	}
	q.depth = 0
	return removed
}

// monitorLoop redelivers inflight messages past their ack deadline.
func (q *Queue) monitorLoop(tick time.Duration) {
	defer close(q.monitorDone)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.monitorStop:
			return
		case <-ticker.C:
			q.redeliverExpired()
		}
	}
}

func (q *Queue) redeliverExpired() {
	now := q.clock()

	q.mu.Lock()
	var expired []string
	for id, im := range q.inflight {
		if !now.Before(im.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		im := q.inflight[id]
		if err := q.appendRecord(&oplog.Record{Kind: oplog.QueueRedeliver, Queue: q.name, EntryID: id}); err != nil {
			continue
		}
		delete(q.inflight, id)
		if im.attempts >= q.effectiveMaxRetries(im.maxRetries) {
			q.deadLetter = append(q.deadLetter, im)
			continue
		}
		band := priorityBands - 1 - im.priority
		q.pending[band].PushBack(&pendingEntry{
			entryID:    im.entryID,
			payload:    im.payload,
			attempts:   im.attempts,
			enqueuedAt: im.enqueuedAt,
			expiresAt:  im.expiresAt,
			maxRetries: im.maxRetries,
			headers:    im.headers,
		})
		q.depth++
	}
	q.mu.Unlock()
}
