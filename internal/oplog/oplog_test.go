package oplog

import (
	"bytes"
	"io"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	headers, err := structpb.NewStruct(map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	want := &Record{
		Offset:       42,
		Kind:         KvSet,
		Key:          "k",
		Value:        []byte("v"),
		TTLMs:        1000,
		NewKey:       "newk",
		Queue:        "q",
		EntryID:      "entry-1",
		Room:         "room-a",
		Topic:        "topic-a",
		Group:        "group-a",
		CommitOffset: 7,
		Priority:     3,
		Headers:      headers,
	}

	payload, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Offset != want.Offset || got.Kind != want.Kind || got.Key != want.Key ||
		!bytes.Equal(got.Value, want.Value) || got.TTLMs != want.TTLMs ||
		got.NewKey != want.NewKey || got.Queue != want.Queue || got.EntryID != want.EntryID ||
		got.Room != want.Room || got.Topic != want.Topic || got.Group != want.Group ||
		got.CommitOffset != want.CommitOffset || got.Priority != want.Priority {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
	if got.Headers == nil || got.Headers.Fields["source"].GetStringValue() != "test" {
		t.Fatalf("expected headers to survive round trip, got %+v", got.Headers)
	}
}

func TestEncodeDecodeRoundTripWithoutHeaders(t *testing.T) {
	want := &Record{Offset: 1, Kind: KvDel, Key: "k"}
	payload, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Headers != nil {
		t.Fatalf("expected nil headers, got %+v", got.Headers)
	}
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	r1 := &Record{Offset: 1, Kind: KvSet, Key: "a", Value: []byte("1")}
	r2 := &Record{Offset: 2, Kind: KvSet, Key: "b", Value: []byte("2")}

	if err := WriteFrame(&buf, r1); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, r2); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	p1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got1, err := Decode(p1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got1.Key != "a" {
		t.Fatalf("expected first frame key a, got %q", got1.Key)
	}

	p2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got2, err := Decode(p2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got2.Key != "b" {
		t.Fatalf("expected second frame key b, got %q", got2.Key)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestReadFrameDetectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Record{Offset: 1, Kind: KvSet, Key: "a"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := ReadFrame(bytes.NewReader(corrupted)); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestReadFrameShortPayloadIsTornFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Record{Offset: 1, Kind: KvSet, Key: "a", Value: []byte("value")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	full := buf.Bytes()
	torn := full[:len(full)-2] // cut off the tail, simulating an unclean shutdown

	if _, err := ReadFrame(bytes.NewReader(torn)); err == nil {
		t.Fatal("expected error reading a torn frame")
	}
}

func TestWriteFrameCompressesLargePayloads(t *testing.T) {
	var small, large bytes.Buffer
	repeated := bytes.Repeat([]byte("synap-wal-payload-"), 64) // compressible, well past the threshold

	if err := WriteFrame(&small, &Record{Offset: 1, Kind: KvSet, Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("WriteFrame small: %v", err)
	}
	if err := WriteFrame(&large, &Record{Offset: 2, Kind: KvSet, Key: "k", Value: repeated}); err != nil {
		t.Fatalf("WriteFrame large: %v", err)
	}

	if large.Bytes()[12] != flagSnappy {
		t.Fatalf("expected large compressible payload to be flagged snappy, got flag %d", large.Bytes()[12])
	}
	if small.Bytes()[12] != flagRaw {
		t.Fatalf("expected small payload to stay raw, got flag %d", small.Bytes()[12])
	}

	got, err := ReadFrame(&large)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	rec, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(rec.Value, repeated) {
		t.Fatalf("expected decompressed value to round trip, got %d bytes want %d", len(rec.Value), len(repeated))
	}
}

func TestKindStringKnownAndUnknown(t *testing.T) {
	if KvSet.String() != "kv_set" {
		t.Fatalf("unexpected string for KvSet: %q", KvSet.String())
	}
	if Kind(255).String() != "unknown" {
		t.Fatalf("expected unknown for unrecognized kind, got %q", Kind(255).String())
	}
}
