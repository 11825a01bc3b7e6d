package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.snap")
	createdAt := time.Unix(1700000000, 0).UTC()

	w, err := Create(path, Header{CreatedAt: createdAt, LastOffset: 10, EntryCount: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteEntry(EntryKV, []byte("kv-payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.WriteEntry(EntryQueueMessage, []byte("queue-payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Header.LastOffset != 10 || r.Header.EntryCount != 2 {
		t.Fatalf("unexpected header: %+v", r.Header)
	}
	if !r.Header.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected created at %v, got %v", createdAt, r.Header.CreatedAt)
	}

	et1, p1, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if et1 != EntryKV || string(p1) != "kv-payload" {
		t.Fatalf("unexpected first entry: %v %q", et1, p1)
	}

	et2, p2, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if et2 != EntryQueueMessage || string(p2) != "queue-payload" {
		t.Fatalf("unexpected second entry: %v %q", et2, p2)
	}

	if err := r.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestCloseRejectsEntryCountMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mismatch.snap")

	w, err := Create(path, Header{CreatedAt: time.Now(), EntryCount: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteEntry(EntryKV, []byte("only one")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected error closing with fewer entries than declared")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected aborted snapshot to leave no final file behind")
	}
}

func TestVerifyDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.snap")

	w, err := Create(path, Header{CreatedAt: time.Now(), EntryCount: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteEntry(EntryKV, []byte("payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, _, err := r.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	r.crc ^= 0xFF // corrupt the running checksum so Verify disagrees with the footer
	if err := r.Verify(); err == nil {
		t.Fatal("expected verify to detect corrupted checksum")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notasnapshot.snap")
	if err := os.WriteFile(path, []byte("not a real snapshot file at all, padded out"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening a non-snapshot file")
	}
}

func TestSweepKeepsNewestRetained(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	names := []string{"a.snap", "b.snap", "c.snap", "d.snap"}
	ages := []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour, 0}
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		modTime := now.Add(-ages[i])
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	if err := Sweep(dir, RetentionPolicy{MaxRetained: 2}); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 snapshots retained, got %d", len(entries))
	}
	remaining := make(map[string]bool)
	for _, e := range entries {
		remaining[e.Name()] = true
	}
	if !remaining["c.snap"] || !remaining["d.snap"] {
		t.Fatalf("expected the two newest snapshots retained, got %+v", remaining)
	}
}

func TestLatestReturnsNewestSnapshotPath(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	older := filepath.Join(dir, "older.snap")
	newer := filepath.Join(dir, "newer.snap")
	os.WriteFile(older, []byte("x"), 0o644)
	os.WriteFile(newer, []byte("x"), 0o644)
	os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(newer, now, now)

	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != newer {
		t.Fatalf("expected %q, got %q", newer, latest)
	}
}

func TestLatestOnEmptyDirReturnsEmptyString(t *testing.T) {
	dir := t.TempDir()
	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty string for no snapshots, got %q", latest)
	}
}

func TestCandidatesOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	oldest := filepath.Join(dir, "oldest.snap")
	middle := filepath.Join(dir, "middle.snap")
	newest := filepath.Join(dir, "newest.snap")
	os.WriteFile(oldest, []byte("x"), 0o644)
	os.WriteFile(middle, []byte("x"), 0o644)
	os.WriteFile(newest, []byte("x"), 0o644)
	os.Chtimes(oldest, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	os.Chtimes(middle, now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(newest, now, now)

	candidates, err := Candidates(dir)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	want := []string{newest, middle, oldest}
	if len(candidates) != len(want) {
		t.Fatalf("expected %d candidates, got %+v", len(want), candidates)
	}
	for i, path := range want {
		if candidates[i] != path {
			t.Fatalf("expected candidate %d to be %q, got %q", i, path, candidates[i])
		}
	}
}
