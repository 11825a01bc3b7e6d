// Package wal implements the write-ahead log: a single append-only file,
// owned by one writer goroutine, that durably records every OperationRecord
// before an engine applies it in memory. Writes are grouped into batches so
// a busy system pays for one fsync per batch instead of one per record.
package wal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// FsyncMode selects how aggressively the WAL durably persists writes.
type FsyncMode string

const (
	// FsyncAlways fsyncs after every group commit batch.
	FsyncAlways FsyncMode = "always"
	// FsyncPeriodic fsyncs on a background ticker, independent of batch flushes.
	FsyncPeriodic FsyncMode = "periodic"
	// FsyncNever relies on the OS page cache and periodic snapshots only.
	FsyncNever FsyncMode = "never"
)

// Options configures a Writer's batching and durability behaviour.
type Options struct {
	Path            string
	FsyncMode       FsyncMode
	FsyncInterval   time.Duration
	BatchSize       int
	BatchTimeout    time.Duration
	Clock           func() time.Time
}

type appendRequest struct {
	record *oplog.Record
	flush  bool
	done   chan error
}

// Writer owns the WAL file handle and serializes every append through a
// single goroutine, matching the teacher's single-writer-owns-the-handle
// discipline for its replay sinks.
type Writer struct {
	opts Options

	file   *os.File
	buf    *bufio.Writer
	offset uint64

	requests chan appendRequest
	closeCh  chan struct{}
	doneCh   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open creates or appends to the WAL file at opts.Path and starts the group
// commit goroutine. The starting LogOffset is returned so the caller (an
// engine performing recovery) can resume numbering from the correct point.
func Open(opts Options) (*Writer, oplog.LogOffset, error) {
	if opts.Path == "" {
		return nil, 0, synaperr.New(synaperr.InvalidArgument, "wal: path must not be empty")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Millisecond
	}
	if opts.FsyncMode == "" {
		opts.FsyncMode = FsyncPeriodic
	}
	if opts.FsyncInterval <= 0 {
		opts.FsyncInterval = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, 0, synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: create data dir")
	}

	maxOffset, err := scanMaxOffset(opts.Path)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: open file")
	}

	w := &Writer{
		opts:     opts,
		file:     file,
		buf:      bufio.NewWriterSize(file, 64*1024),
		offset:   uint64(maxOffset),
		requests: make(chan appendRequest, opts.BatchSize*4),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, maxOffset, nil
}

// Append assigns the next LogOffset to rec, enqueues it for the next group
// commit, and blocks until that batch has been durably written according to
// the configured FsyncMode.
func (w *Writer) Append(rec *oplog.Record) (oplog.LogOffset, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, synaperr.New(synaperr.DurabilityFailed, "wal: writer closed")
	}
	w.offset++
	rec.Offset = oplog.LogOffset(w.offset)
	w.mu.Unlock()

	req := appendRequest{record: rec, done: make(chan error, 1)}
	w.requests <- req
	err := <-req.done
	if err != nil {
		return 0, err
	}
	return rec.Offset, nil
}

// Flush forces any buffered group commit batch to disk immediately.
func (w *Writer) Flush() error {
	return w.flushLocked()
}

// Close drains pending requests, flushes, and releases the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	<-w.doneCh
	return w.file.Close()
}

func (w *Writer) run() {
	defer close(w.doneCh)

	var fsyncTicker *time.Ticker
	var fsyncTick <-chan time.Time
	if w.opts.FsyncMode == FsyncPeriodic {
		fsyncTicker = time.NewTicker(w.opts.FsyncInterval)
		fsyncTick = fsyncTicker.C
		defer fsyncTicker.Stop()
	}

	var batch []appendRequest
	timer := time.NewTimer(w.opts.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		//1.- Separate real records from bare Flush() requests riding the same batch.
		var records []appendRequest
		var waiters []appendRequest
		for _, r := range batch {
			if r.flush {
				waiters = append(waiters, r)
			} else {
				records = append(records, r)
			}
		}
		//2.- Write and fsync every record as one group commit, then release callers.
		var err error
		if len(records) > 0 {
			err = w.writeBatch(records)
		}
		for _, r := range records {
			r.done <- err
		}
		//3.- Flush() callers additionally need a guaranteed fsync beyond FsyncMode.
		if len(waiters) > 0 {
			if err == nil {
				err = w.syncLocked()
			}
			for _, r := range waiters {
				r.done <- err
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case req, ok := <-w.requests:
			if !ok {
				flush()
				return
			}
			batch = append(batch, req)
			if req.flush || len(batch) >= w.opts.BatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.opts.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.opts.BatchTimeout)
		case <-fsyncTick:
			w.mu.Lock()
			_ = w.file.Sync()
			w.mu.Unlock()
		case <-w.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case req := <-w.requests:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch frames and writes every record in batch, then fsyncs according
// to FsyncMode. All records in a batch share one fsync, which is the entire
// point of group commit: durability cost is amortized across the batch.
func (w *Writer) writeBatch(batch []appendRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	//1.- Frame and buffer every record in the batch before touching the disk once.
	for _, req := range batch {
		if err := oplog.WriteFrame(w.buf, req.record); err != nil {
			return err
		}
	}
	//2.- One buffered-writer flush regardless of batch size: that is the amortization.
	if err := w.buf.Flush(); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: flush buffer")
	}
	//3.- FsyncAlways additionally pays for an fsync per batch instead of per periodic tick.
	if w.opts.FsyncMode == FsyncAlways {
		if err := w.file.Sync(); err != nil {
			return synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: fsync")
		}
	}
	return nil
}

func (w *Writer) flushLocked() error {
	done := make(chan error, 1)
	w.requests <- appendRequest{flush: true, done: done}
	return <-done
}

// syncLocked fsyncs the file regardless of FsyncMode; used by explicit Flush
// calls (e.g. before a snapshot) where the caller needs a durability
// guarantee stronger than the configured background cadence.
func (w *Writer) syncLocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: flush buffer")
	}
	if err := w.file.Sync(); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: fsync")
	}
	return nil
}

// scanMaxOffset replays an existing WAL file far enough to discover the
// highest LogOffset already recorded, tolerating a torn trailing frame left
// by an unclean shutdown: the file is truncated back to the end of the last
// good frame, so the next write extends a well-formed log.
func scanMaxOffset(path string) (oplog.LogOffset, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: open for recovery scan")
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var max oplog.LogOffset
	var good int64
	for {
		payload, err := oplog.ReadFrame(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn final frame from an unclean shutdown; stop scanning here,
			// the truncate below cuts the file back to the last good frame.
			break
		}
		rec, err := oplog.Decode(payload)
		if err != nil {
			break
		}
		if rec.Offset > max {
			max = rec.Offset
		}
		pos, err := file.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: recovery scan position")
		}
		good = pos - int64(reader.Buffered())
	}
	if err := file.Truncate(good); err != nil {
		return 0, synaperr.Wrap(synaperr.DurabilityFailed, err, "wal: truncate torn tail")
	}
	return max, nil
}
