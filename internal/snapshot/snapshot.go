// Package snapshot implements streaming point-in-time checkpoints of the KV,
// queue, and stream engines: a compact typed-entry stream written with O(1)
// memory, closed with atomic rename, and swept for retention the way the
// teacher's replay artefacts are.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"

	"github.com/klauspost/compress/zstd"
)

// Magic identifies a well-formed snapshot file and its format version.
var Magic = [8]byte{'S', 'Y', 'N', 'A', 'P', 0, 0, 2}

var crcTable = crc64.MakeTable(crc64.ISO)

// EntryType tags the kind of record a snapshot entry carries.
type EntryType uint8

const (
	EntryKV EntryType = iota + 1
	EntryQueueMessage
	EntryStreamEvent
	EntryStreamCommit
)

// Header precedes the entry stream in a snapshot file. EntryCount is known
// up front because a snapshot always checkpoints data already resident in
// memory (KV shards, queue messages, stream ring buffers) — counting it costs
// nothing beyond the O(1)-memory streaming write of the entries themselves.
type Header struct {
	CreatedAt  time.Time
	LastOffset oplog.LogOffset
	EntryCount uint64
}

// Writer streams snapshot entries to disk with bounded memory: each Write*
// call compresses and flushes its entry immediately rather than buffering
// the full dataset, matching the teacher's zstd streaming writer idiom.
type Writer struct {
	finalPath string
	tmpPath   string
	file      *os.File
	zw        *zstd.Encoder
	crc       uint64
	wantCount uint64
	written   uint64
}

// Create opens a temporary file beside finalPath and writes the header. The
// snapshot is only visible at finalPath after Close performs the atomic
// rename, so a reader never observes a partially written snapshot.
func Create(finalPath string, header Header) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: create data dir")
	}
	tmpPath := finalPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: create temp file")
	}
	zw, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: open zstd writer")
	}

	w := &Writer{finalPath: finalPath, tmpPath: tmpPath, file: file, zw: zw, wantCount: header.EntryCount}

	var headerBuf [8 + 8 + 8 + 8]byte
	copy(headerBuf[0:8], Magic[:])
	binary.LittleEndian.PutUint64(headerBuf[8:16], uint64(header.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint64(headerBuf[16:24], uint64(header.LastOffset))
	binary.LittleEndian.PutUint64(headerBuf[24:32], header.EntryCount)
	if err := w.writeRaw(headerBuf[:]); err != nil {
		w.zw.Close()
		w.file.Close()
		os.Remove(w.tmpPath)
		return nil, err
	}
	return w, nil
}

// WriteEntry appends one typed, length-prefixed entry to the stream.
func (w *Writer) WriteEntry(entryType EntryType, payload []byte) error {
	var prefix [5]byte
	prefix[0] = byte(entryType)
	binary.LittleEndian.PutUint32(prefix[1:5], uint32(len(payload)))
	if err := w.writeRaw(prefix[:]); err != nil {
		return err
	}
	if err := w.writeRaw(payload); err != nil {
		return err
	}
	w.written++
	return nil
}

func (w *Writer) writeRaw(b []byte) error {
	if _, err := w.zw.Write(b); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: write entry")
	}
	w.crc = crc64.Update(w.crc, crcTable, b)
	return nil
}

// Close appends the CRC64 footer, flushes and syncs the temp file, then
// atomically renames it into place. On any failure the temp file is removed
// so a partial write never lingers as a confusing artefact.
func (w *Writer) Close() error {
	//1.- Refuse to finalize a snapshot whose entry count drifted from its header.
	if w.written != w.wantCount {
		w.abort()
		return synaperr.New(synaperr.InvalidArgument, "snapshot: wrote %d entries, header declared %d", w.written, w.wantCount)
	}
	//2.- Append the CRC64 footer over everything written so far, then seal the stream.
	var footer [8]byte
	binary.LittleEndian.PutUint64(footer[:], w.crc)
	if _, err := w.zw.Write(footer[:]); err != nil {
		w.abort()
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: write footer")
	}
	if err := w.zw.Close(); err != nil {
		w.abort()
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: close zstd writer")
	}
	//3.- Sync and close the temp file before the rename makes it visible at all.
	if err := w.file.Sync(); err != nil {
		w.abort()
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: sync temp file")
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: close temp file")
	}
	//4.- Atomic rename is what makes the snapshot appear in one indivisible step.
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: rename into place")
	}
	return nil
}

func (w *Writer) abort() {
	w.zw.Close()
	w.file.Close()
	os.Remove(w.tmpPath)
}

// Reader streams entries back out of a snapshot file, validating the footer
// checksum once the stream is exhausted.
type Reader struct {
	Header Header
	zr     *zstd.Decoder
	file   *os.File
	crc    uint64
	read   uint64
}

// Open validates the magic/header and returns a Reader positioned at the
// first entry.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, synaperr.Wrap(synaperr.NotFound, err, "snapshot: open file")
	}
	zr, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, synaperr.Wrap(synaperr.ChecksumMismatch, err, "snapshot: open zstd reader")
	}

	r := &Reader{zr: zr, file: file}
	var headerBuf [32]byte
	if err := r.readRaw(headerBuf[:]); err != nil {
		r.Close()
		return nil, err
	}
	if string(headerBuf[0:8]) != string(Magic[:]) {
		r.Close()
		return nil, synaperr.New(synaperr.ChecksumMismatch, "snapshot: bad magic in %s", path)
	}
	r.Header.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(headerBuf[8:16]))).UTC()
	r.Header.LastOffset = oplog.LogOffset(binary.LittleEndian.Uint64(headerBuf[16:24]))
	r.Header.EntryCount = binary.LittleEndian.Uint64(headerBuf[24:32])
	return r, nil
}

// Next returns the next entry. Callers iterate exactly Header.EntryCount
// times, then call Verify to check the trailing CRC64 footer.
func (r *Reader) Next() (EntryType, []byte, error) {
	var prefix [5]byte
	if err := r.readRaw(prefix[:]); err != nil {
		return 0, nil, err
	}
	entryType := EntryType(prefix[0])
	length := binary.LittleEndian.Uint32(prefix[1:5])
	payload := make([]byte, length)
	if err := r.readRaw(payload); err != nil {
		return 0, nil, err
	}
	r.read++
	return entryType, payload, nil
}

// Verify reads and checks the trailing CRC64 footer. Callers invoke this
// once Next has returned Header.EntryCount entries.
func (r *Reader) Verify() error {
	if r.read != r.Header.EntryCount {
		return synaperr.New(synaperr.ChecksumMismatch, "snapshot: entry count mismatch: header declared %d, read %d", r.Header.EntryCount, r.read)
	}
	var footer [8]byte
	if _, err := io.ReadFull(r.zr, footer[:]); err != nil {
		return synaperr.Wrap(synaperr.ChecksumMismatch, err, "snapshot: read footer")
	}
	want := binary.LittleEndian.Uint64(footer[:])
	if want != r.crc {
		return synaperr.New(synaperr.ChecksumMismatch, "snapshot: footer crc mismatch: want %x got %x", want, r.crc)
	}
	return nil
}

func (r *Reader) readRaw(b []byte) error {
	if _, err := io.ReadFull(r.zr, b); err != nil {
		return synaperr.Wrap(synaperr.ChecksumMismatch, err, "snapshot: truncated read")
	}
	r.crc = crc64.Update(r.crc, crcTable, b)
	return nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.file.Close()
}

// RetentionPolicy bounds how many snapshot files are kept on disk.
type RetentionPolicy struct {
	MaxRetained int
}

// Sweep removes all but the newest policy.MaxRetained snapshots in dir,
// matching the teacher's newest-first sort and best-effort removal.
func Sweep(dir string, policy RetentionPolicy) error {
	if policy.MaxRetained <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: list dir")
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var snaps []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, candidate{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].modTime.After(snaps[j].modTime) })

	var errs []string
	for i := policy.MaxRetained; i < len(snaps); i++ {
		if err := os.Remove(snaps[i].path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("%s: %v", snaps[i].path, err))
		}
	}
	if len(errs) > 0 {
		return synaperr.New(synaperr.DurabilityFailed, "snapshot: sweep errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Latest returns the path of the newest snapshot file in dir, or "" if none
// exists. Used during recovery to locate the base checkpoint to load before
// replaying the WAL tail.
func Latest(dir string) (string, error) {
	candidates, err := Candidates(dir)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[0], nil
}

// Candidates returns every snapshot file in dir ordered newest-first by
// modification time, so a caller can fall back to the next-older one when
// the newest turns out to be corrupt.
func Candidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "snapshot: list dir")
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// FileName derives the canonical snapshot file name for a given offset,
// so Latest's lexical/mtime ordering agrees with creation order.
func FileName(offset oplog.LogOffset, at time.Time) string {
	return fmt.Sprintf("%020d-%s.snap", uint64(offset), at.UTC().Format("20060102T150405Z"))
}
