package wal

import (
	"bufio"
	"io"
	"os"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// Replay opens the WAL file at path and invokes fn for every well-formed
// record in order, stopping at the first torn or corrupt frame (which can
// only occur at the tail, left by an unclean shutdown). It is the counterpart
// to scanMaxOffset: used at engine startup to rebuild in-memory state after
// loading the latest snapshot, replaying only records with Offset greater
// than the snapshot's recorded offset is the caller's responsibility.
func Replay(path string, fn func(*oplog.Record) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: open for replay")
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		payload, err := oplog.ReadFrame(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Torn tail frame from an unclean shutdown; the log up to here is valid.
			return nil
		}
		rec, err := oplog.Decode(payload)
		if err != nil {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
