// Package waldump inspects a write-ahead log file outside of a running
// server, the operator-facing counterpart to internal/wal's Replay used at
// startup recovery.
package waldump

import (
	"encoding/json"
	"fmt"

	"synap/internal/oplog"
	"synap/internal/wal"
)

// Entry is one decoded WAL record paired with its LogOffset and kind name.
// List returns entries in file order; it does not track a file position.
type Entry struct {
	Offset oplog.LogOffset `json:"offset"`
	Kind   string          `json:"kind"`
	Record *oplog.Record   `json:"record"`
}

// List decodes every well-formed record in the WAL file at path, stopping
// cleanly at a torn tail frame exactly as startup recovery does — a dump
// taken right after a crash shows the same record set a restart would
// recover into memory.
func List(path string) ([]Entry, error) {
	var entries []Entry
	err := wal.Replay(path, func(rec *oplog.Record) error {
		entries = append(entries, Entry{Offset: rec.Offset, Kind: rec.Kind.String(), Record: rec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarshalEntries renders entries as indented JSON for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// FormatHuman renders one entry the way a terminal operator wants to skim a
// WAL tail: one line per record, key fields only.
func FormatHuman(e Entry) string {
	switch e.Record.Kind {
	case oplog.KvSet, oplog.KvDel, oplog.KvRename:
		return fmt.Sprintf("%d  %-16s key=%q new_key=%q ttl_ms=%d bytes=%d",
			e.Offset, e.Kind, e.Record.Key, e.Record.NewKey, e.Record.TTLMs, len(e.Record.Value))
	case oplog.QueuePublish, oplog.QueueConsume, oplog.QueueAck, oplog.QueueNack, oplog.QueueRedeliver:
		return fmt.Sprintf("%d  %-16s queue=%q entry_id=%q priority=%d bytes=%d",
			e.Offset, e.Kind, e.Record.Queue, e.Record.EntryID, e.Record.Priority, len(e.Record.Value))
	case oplog.StreamPublish:
		return fmt.Sprintf("%d  %-16s room=%q topic=%q bytes=%d",
			e.Offset, e.Kind, e.Record.Room, e.Record.Topic, len(e.Record.Value))
	case oplog.StreamCommit:
		return fmt.Sprintf("%d  %-16s room=%q group=%q commit_offset=%d",
			e.Offset, e.Kind, e.Record.Room, e.Record.Group, e.Record.CommitOffset)
	default:
		return fmt.Sprintf("%d  %-16s (unrecognized kind)", e.Offset, e.Kind)
	}
}
