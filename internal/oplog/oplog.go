// Package oplog defines the tagged-union OperationRecord that every durable
// engine mutation is expressed as, plus the binary frame codec the write-
// ahead log, snapshots, and replication stream all share.
package oplog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"synap/internal/synaperr"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// compressionThreshold is the encoded-payload size at or above which a frame is
// snappy-compressed before it hits disk or the replication wire. Small
// records cost more in the snappy frame/varint overhead than they save.
const compressionThreshold = 256

const (
	flagRaw   byte = 0
	flagSnappy byte = 1
)

// Kind identifies the mutation an OperationRecord carries.
type Kind uint8

const (
	KvSet Kind = iota + 1
	KvDel
	KvRename
	QueuePublish
	QueueConsume
	QueueAck
	QueueNack
	QueueRedeliver
	StreamPublish
	StreamCommit
)

func (k Kind) String() string {
	switch k {
	case KvSet:
		return "kv_set"
	case KvDel:
		return "kv_del"
	case KvRename:
		return "kv_rename"
	case QueuePublish:
		return "queue_publish"
	case QueueConsume:
		return "queue_consume"
	case QueueAck:
		return "queue_ack"
	case QueueNack:
		return "queue_nack"
	case QueueRedeliver:
		return "queue_redeliver"
	case StreamPublish:
		return "stream_publish"
	case StreamCommit:
		return "stream_commit"
	default:
		return "unknown"
	}
}

// LogOffset is a monotonically increasing position in a WAL or replication
// stream. Offset 0 is reserved and never assigned to a real record.
type LogOffset uint64

// Record is the tagged union every engine mutation is expressed as before it
// reaches the write-ahead log or the replication stream. Fields irrelevant to
// Kind are left zero-valued; Headers carries free-form per-kind metadata so
// new fields never require a wire format change.
type Record struct {
	Offset       LogOffset
	Kind         Kind
	Key          string
	Value        []byte
	TTLMs        int64
	NewKey       string
	Queue        string
	EntryID      string
	Room         string
	Topic        string
	Group        string
	CommitOffset uint64
	Priority     int32
	MaxRetries   int32 // queue: per-message retry budget override, -1 means "use the queue default"
	Headers      *structpb.Struct
}

// Encode serializes r into its wire representation: the raw payload bytes
// that Frame wraps with a length prefix and checksum. The layout is a fixed
// header followed by variable-length fields, each prefixed with its own
// uint32 length so decoding never needs to guess boundaries.
func Encode(r *Record) ([]byte, error) {
	var headerBytes []byte
	if r.Headers != nil {
		var err error
		headerBytes, err = proto.Marshal(r.Headers)
		if err != nil {
			return nil, synaperr.Wrap(synaperr.InvalidArgument, err, "marshal oplog headers")
		}
	}

	buf := make([]byte, 0, 64+len(r.Value)+len(headerBytes))
	buf = appendU64(buf, uint64(r.Offset))
	buf = append(buf, byte(r.Kind))
	buf = appendString(buf, r.Key)
	buf = appendBytes(buf, r.Value)
	buf = appendU64(buf, uint64(r.TTLMs))
	buf = appendString(buf, r.NewKey)
	buf = appendString(buf, r.Queue)
	buf = appendString(buf, r.EntryID)
	buf = appendString(buf, r.Room)
	buf = appendString(buf, r.Topic)
	buf = appendString(buf, r.Group)
	buf = appendU64(buf, r.CommitOffset)
	buf = appendU64(buf, uint64(uint32(r.Priority)))
	buf = appendU64(buf, uint64(uint32(r.MaxRetries)))
	buf = appendBytes(buf, headerBytes)
	return buf, nil
}

// Decode parses the payload produced by Encode back into a Record.
func Decode(payload []byte) (*Record, error) {
	r := &Record{}
	var ok bool
	var off uint64

	off, payload, ok = readU64(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at offset field")
	}
	r.Offset = LogOffset(off)

	if len(payload) < 1 {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at kind field")
	}
	r.Kind = Kind(payload[0])
	payload = payload[1:]

	var raw []byte
	raw, payload, ok = readBytes(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at key field")
	}
	r.Key = string(raw)

	r.Value, payload, ok = readBytes(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at value field")
	}

	ttl, payload, ok := readU64(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at ttl field")
	}
	r.TTLMs = int64(ttl)

	for _, f := range []*string{&r.NewKey, &r.Queue, &r.EntryID, &r.Room, &r.Topic, &r.Group} {
		raw, payload, ok = readBytes(payload)
		if !ok {
			return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated")
		}
		*f = string(raw)
	}

	commitOffset, payload, ok := readU64(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at commit offset field")
	}
	r.CommitOffset = commitOffset

	priority, payload, ok := readU64(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at priority field")
	}
	r.Priority = int32(uint32(priority))

	maxRetries, payload, ok := readU64(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at max retries field")
	}
	r.MaxRetries = int32(uint32(maxRetries))

	headerBytes, payload, ok := readBytes(payload)
	if !ok {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "oplog record truncated at headers field")
	}
	if len(headerBytes) > 0 {
		s := &structpb.Struct{}
		if err := proto.Unmarshal(headerBytes, s); err != nil {
			return nil, synaperr.Wrap(synaperr.ChecksumMismatch, err, "unmarshal oplog headers")
		}
		r.Headers = s
	}

	return r, nil
}

// WriteFrame writes r's framed representation (len:u64_le | crc32:u32_le |
// flag:u8 | payload) to w, matching the on-disk layout shared by the
// write-ahead log and the replication wire protocol. The flag byte says
// whether the payload is raw or snappy-compressed; len and crc32 cover the
// payload as written.
func WriteFrame(w io.Writer, r *Record) error {
	payload, err := Encode(r)
	if err != nil {
		return err
	}
	return WriteFramePayload(w, payload)
}

// WriteFramePayload frames an already-encoded payload without re-deriving it
// from a Record; callers that already hold the encoded bytes (e.g. a
// replication sender replaying a retained record) use this to avoid
// re-marshalling. Payloads at or above compressionThreshold are snappy-
// compressed on the wire, matching the teacher's snappy.NewBufferedWriter
// use for its own replay stream; the frame header records which one got
// written so ReadFrame can undo it transparently.
func WriteFramePayload(w io.Writer, payload []byte) error {
	flag := flagRaw
	onWire := payload
	if len(payload) >= compressionThreshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			flag = flagSnappy
			onWire = compressed
		}
	}

	var header [13]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(onWire)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(onWire))
	header[12] = flag
	if _, err := w.Write(header[:]); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "write frame header")
	}
	if _, err := w.Write(onWire); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "write frame payload")
	}
	return nil
}

// ReadFrame reads one framed payload from r, validating its checksum and
// transparently undoing snappy compression, and returns the original
// encoded Record bytes. It returns io.EOF only when the stream ends cleanly
// at a frame boundary; any other read failure (including a short read
// mid-frame, which indicates a torn write from an unclean shutdown) is
// reported as ChecksumMismatch so callers can decide whether to truncate
// and continue.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [13]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, synaperr.Wrap(synaperr.ChecksumMismatch, err, "read frame header")
	}
	length := binary.LittleEndian.Uint64(header[0:8])
	wantCRC := binary.LittleEndian.Uint32(header[8:12])
	flag := header[12]

	onWire := make([]byte, length)
	if _, err := io.ReadFull(r, onWire); err != nil {
		return nil, synaperr.Wrap(synaperr.ChecksumMismatch, err, "read frame payload")
	}
	if gotCRC := crc32.ChecksumIEEE(onWire); gotCRC != wantCRC {
		return nil, synaperr.New(synaperr.ChecksumMismatch, "frame crc mismatch: want %08x got %08x", wantCRC, gotCRC)
	}

	if flag == flagSnappy {
		payload, err := snappy.Decode(nil, onWire)
		if err != nil {
			return nil, synaperr.Wrap(synaperr.ChecksumMismatch, err, "decompress frame payload")
		}
		return payload, nil
	}
	return onWire, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readU64(buf []byte) (uint64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], true
}

func appendBytes(buf, v []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func readBytes(buf []byte) ([]byte, []byte, bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, buf, false
	}
	return buf[:n], buf[n:], true
}
