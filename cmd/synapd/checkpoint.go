package main

import (
	"path/filepath"
	"time"

	"synap/internal/config"
	"synap/internal/kv"
	"synap/internal/logging"
	"synap/internal/oplog"
	"synap/internal/queue"
	"synap/internal/snapshot"
	"synap/internal/stream"
)

// checkpointer periodically writes a point-in-time snapshot of every engine
// and sweeps old ones, either on a fixed interval or after enough WAL
// records have accumulated since the last checkpoint. It polls the current
// WAL offset rather than being notified per-append, since the append path
// is shared across three distinct per-engine Appender interfaces and
// polling keeps the offset tracker a single point of truth instead of three
// call sites each remembering to notify.
type checkpointer struct {
	dir        string
	cfg        config.SnapshotConfig
	engines    *engines
	log        *logging.Logger
	lastOffset func() oplog.LogOffset

	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

func newCheckpointer(dir string, cfg config.SnapshotConfig, e *engines, lastOffset func() oplog.LogOffset, log *logging.Logger) *checkpointer {
	return &checkpointer{
		dir:          dir,
		cfg:          cfg,
		engines:      e,
		log:          log,
		lastOffset:   lastOffset,
		pollInterval: time.Second,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (c *checkpointer) run() {
	defer close(c.doneCh)

	interval := time.Duration(c.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	nextByInterval := time.Now().Add(interval)

	poll := c.pollInterval
	if poll <= 0 || poll > interval {
		poll = interval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var offsetAtLastCheckpoint oplog.LogOffset
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			if !now.Before(nextByInterval) {
				c.checkpointOnce("interval elapsed")
				offsetAtLastCheckpoint = c.lastOffset()
				nextByInterval = now.Add(interval)
				continue
			}
			if c.cfg.OperationThreshold > 0 {
				current := c.lastOffset()
				if uint64(current-offsetAtLastCheckpoint) >= uint64(c.cfg.OperationThreshold) {
					c.checkpointOnce("operation threshold reached")
					offsetAtLastCheckpoint = current
					nextByInterval = now.Add(interval)
				}
			}
		}
	}
}

func (c *checkpointer) stop() {
	close(c.stopCh)
	<-c.doneCh
}

// checkpointOnFinalShutdown writes one last snapshot so a clean shutdown
// always leaves a checkpoint at (or very near) the final WAL offset,
// shrinking the tail the next startup has to replay.
func (c *checkpointer) checkpointOnFinalShutdown() error {
	return writeSnapshot(c.dir, c.engines, c.lastOffset())
}

func (c *checkpointer) checkpointOnce(reason string) {
	if err := writeSnapshot(c.dir, c.engines, c.lastOffset()); err != nil {
		c.log.Error("snapshot checkpoint failed", logging.Error(err), logging.String("reason", reason))
		return
	}
	if err := snapshot.Sweep(c.dir, snapshot.RetentionPolicy{MaxRetained: c.cfg.MaxRetained}); err != nil {
		c.log.Warn("snapshot sweep failed", logging.Error(err))
	}
	c.log.Info("snapshot checkpoint written", logging.String("reason", reason))
}

// writeSnapshot streams every engine's live entries to a new snapshot file,
// reusing oplog.Encode as the per-entry wire codec so the same Decode used
// by WAL-tail replay also decodes a snapshot's entries.
func writeSnapshot(dir string, e *engines, lastOffset oplog.LogOffset) error {
	kvEntries := e.KV.SnapshotEntries()
	queueEntries := e.Queue.SnapshotEntries()
	streamEntries := e.Stream.SnapshotEntries()

	total := uint64(len(kvEntries) + len(queueEntries) + len(streamEntries))
	path := filepath.Join(dir, snapshot.FileName(lastOffset, time.Now()))

	w, err := snapshot.Create(path, snapshot.Header{
		CreatedAt:  time.Now(),
		LastOffset: lastOffset,
		EntryCount: total,
	})
	if err != nil {
		return err
	}

	for _, se := range kvEntries {
		if err := writeSnapshotEntry(w, snapshot.EntryKV, kvRecord(se)); err != nil {
			w.Close()
			return err
		}
	}
	for _, se := range queueEntries {
		if err := writeSnapshotEntry(w, snapshot.EntryQueueMessage, queueRecord(se)); err != nil {
			w.Close()
			return err
		}
	}
	for _, ev := range streamEntries {
		if err := writeSnapshotEntry(w, snapshot.EntryStreamEvent, streamRecord(ev)); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func writeSnapshotEntry(w *snapshot.Writer, entryType snapshot.EntryType, rec *oplog.Record) error {
	payload, err := oplog.Encode(rec)
	if err != nil {
		return err
	}
	return w.WriteEntry(entryType, payload)
}

// kvRecord expresses one kv.SnapshotEntry as the oplog.Record Apply/Decode
// already knows how to replay: a KvSet with the entry's remaining TTL.
func kvRecord(se kv.SnapshotEntry) *oplog.Record {
	return &oplog.Record{Kind: oplog.KvSet, Key: se.Key, Value: se.Value, TTLMs: se.TTLMs}
}

// queueRecord expresses one queue.SnapshotEntry as a QueuePublish, the same
// shape Queue.Apply already restores pending entries from, carrying the
// message's remaining TTL, retry override, and headers through the
// checkpoint the same way a live Publish does.
func queueRecord(se queue.SnapshotEntry) *oplog.Record {
	return &oplog.Record{
		Kind:       oplog.QueuePublish,
		Queue:      se.Queue,
		EntryID:    se.EntryID,
		Value:      se.Payload,
		Priority:   int32(se.Priority),
		TTLMs:      se.TTLMs,
		MaxRetries: se.MaxRetries,
		Headers:    se.Headers,
	}
}

// streamRecord expresses one stream.Event using the two Record fields
// Publish never populates: Offset carries the room-local event offset, and
// TTLMs (otherwise KV-only) carries the event's capture time in Unix
// milliseconds. Headers carries the event's metadata. restoreSnapshotEntry
// unpacks all of these back into an Event via RestoreEvent rather than
// Manager.Apply, since only RestoreEvent preserves a non-sequential offset.
func streamRecord(ev stream.Event) *oplog.Record {
	return &oplog.Record{
		Kind:    oplog.StreamPublish,
		Room:    ev.Room,
		Topic:   ev.Type,
		Value:   ev.Payload,
		Offset:  oplog.LogOffset(ev.Offset),
		TTLMs:   ev.Timestamp.UnixMilli(),
		Headers: ev.Metadata,
	}
}

func unixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
