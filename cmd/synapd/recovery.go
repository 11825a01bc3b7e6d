package main

import (
	"synap/internal/kv"
	"synap/internal/logging"
	"synap/internal/oplog"
	"synap/internal/queue"
	"synap/internal/snapshot"
	"synap/internal/stream"
)

// engines bundles the three storage engines a record stream (WAL tail,
// snapshot, or replicated record) is ever replayed into.
type engines struct {
	KV     *kv.Engine
	Queue  *queue.Manager
	Stream *stream.Manager
}

// Apply satisfies replication.Applier, routing a replicated record to
// whichever engine owns its Kind. It is also used directly as the WAL-tail
// replay callback, so both recovery paths share one dispatch table.
func (e *engines) Apply(rec *oplog.Record) error {
	switch {
	case rec.Kind == oplog.KvSet || rec.Kind == oplog.KvDel || rec.Kind == oplog.KvRename:
		return e.KV.Apply(rec)
	case rec.Kind == oplog.QueuePublish || rec.Kind == oplog.QueueConsume ||
		rec.Kind == oplog.QueueAck || rec.Kind == oplog.QueueNack || rec.Kind == oplog.QueueRedeliver:
		return e.Queue.Apply(rec)
	case rec.Kind == oplog.StreamPublish:
		return e.Stream.Apply(rec)
	case rec.Kind == oplog.StreamCommit:
		// Durable consumer groups are declared on demand through the
		// transport layer rather than at startup, so there is no Group
		// instance yet to replay a committed offset into. The record stays
		// in the WAL/snapshot for a future version that pre-declares
		// groups from config; today it is a documented no-op.
		return nil
	default:
		return nil
	}
}

// snapshotEntry is one decoded (but not yet applied) record read from a
// candidate snapshot file, buffered so a candidate is fully validated before
// any of its entries touch engine state.
type snapshotEntry struct {
	entryType snapshot.EntryType
	payload   []byte
}

// readSnapshot fully reads and verifies path without applying anything,
// returning its entries and header on success. A corrupt or truncated
// candidate is reported as an error without having mutated any engine.
func readSnapshot(path string) ([]snapshotEntry, snapshot.Header, error) {
	r, err := snapshot.Open(path)
	if err != nil {
		return nil, snapshot.Header{}, err
	}
	defer r.Close()

	entries := make([]snapshotEntry, 0, r.Header.EntryCount)
	for uint64(len(entries)) < r.Header.EntryCount {
		entryType, payload, err := r.Next()
		if err != nil {
			return nil, snapshot.Header{}, err
		}
		entries = append(entries, snapshotEntry{entryType: entryType, payload: append([]byte(nil), payload...)})
	}
	if err := r.Verify(); err != nil {
		return nil, snapshot.Header{}, err
	}
	return entries, r.Header, nil
}

// loadSnapshot restores the newest valid snapshot in dir, returning the log
// offset it represents so WAL replay can resume from that point instead of
// from the very start of the file. Candidates are tried newest-first; a
// corrupt candidate is skipped in favor of the next-older one, and if every
// candidate is corrupt, recovery falls back to replaying the WAL alone.
func loadSnapshot(dir string, e *engines, log *logging.Logger) (oplog.LogOffset, error) {
	candidates, err := snapshot.Candidates(dir)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		log.Info("no snapshot found, starting from an empty checkpoint")
		return 0, nil
	}

	for i, path := range candidates {
		entries, header, err := readSnapshot(path)
		if err != nil {
			log.Warn("skipping corrupt snapshot candidate",
				logging.String("path", path),
				logging.Error(err),
			)
			continue
		}

		for _, ent := range entries {
			if err := restoreSnapshotEntry(e, ent.entryType, ent.payload); err != nil {
				return 0, err
			}
		}

		log.Info("loaded snapshot",
			logging.String("path", path),
			logging.Int64("last_offset", int64(header.LastOffset)),
			logging.Int64("entry_count", int64(header.EntryCount)),
			logging.Int("candidates_skipped", i),
		)
		return header.LastOffset, nil
	}

	log.Warn("all snapshot candidates corrupt, starting from write-ahead log alone",
		logging.Int("candidates_tried", len(candidates)),
	)
	return 0, nil
}

// restoreSnapshotEntry decodes one snapshot entry back into a record and
// applies it. KV and queue entries replay through the same Apply path as
// WAL-tail records: a snapshot's KvSet/QueuePublish is indistinguishable
// from one the WAL would have produced. Stream events are the one
// exception — RestoreEvent preserves the captured offset directly, since
// Manager.Apply's auto-incrementing offset assignment only reproduces the
// original sequence when replayed from offset zero, which a snapshot
// (taken after retention has already trimmed older events) is not.
func restoreSnapshotEntry(e *engines, entryType snapshot.EntryType, payload []byte) error {
	rec, err := oplog.Decode(payload)
	if err != nil {
		return err
	}
	switch entryType {
	case snapshot.EntryKV:
		return e.KV.Apply(rec)
	case snapshot.EntryQueueMessage:
		return e.Queue.Apply(rec)
	case snapshot.EntryStreamEvent:
		e.Stream.RestoreEvent(stream.Event{
			Offset:    uint64(rec.Offset),
			Room:      rec.Room,
			Type:      rec.Topic,
			Payload:   rec.Value,
			Timestamp: unixMillis(rec.TTLMs),
			Metadata:  rec.Headers,
		})
		return nil
	case snapshot.EntryStreamCommit:
		// See the StreamCommit case in Apply: no Group instance exists yet
		// to receive this at startup.
		return nil
	default:
		return nil
	}
}
