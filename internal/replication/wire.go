package replication

import (
	"encoding/binary"
	"io"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// FrameType tags a handshake message on the replication wire. Steady-state
// record streaming reuses oplog's own len|crc32|flag|payload framing directly
// (see sender.go); these frame types are only exchanged during the handshake,
// which sends HELLO and HELLO_ACK. FrameSync is declared but never sent.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameHelloAck
	FrameSync
)

// HelloMessage is sent by a connecting replica to identify itself and
// request a stream starting after FromOffset.
type HelloMessage struct {
	ReplicaID  string
	FromOffset oplog.LogOffset
}

// HelloAckMessage is the master's response, telling the replica whether it
// will receive an incremental stream or must perform a full resync.
type HelloAckMessage struct {
	Mode SyncMode
}

// writeWireFrame writes a handshake message: frame_type:u8 | payload_len:u32_le | payload.
func writeWireFrame(w io.Writer, ft FrameType, payload []byte) error {
	var header [5]byte
	header[0] = byte(ft)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "replication: write wire frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return synaperr.Wrap(synaperr.DurabilityFailed, err, "replication: write wire frame payload")
		}
	}
	return nil
}

// readWireFrame reads one handshake message.
func readWireFrame(r io.Reader) (FrameType, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "replication: read wire frame header")
	}
	ft := FrameType(header[0])
	length := binary.LittleEndian.Uint32(header[1:5])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, synaperr.Wrap(synaperr.DurabilityFailed, err, "replication: read wire frame payload")
		}
	}
	return ft, payload, nil
}

func encodeHello(h HelloMessage) []byte {
	buf := make([]byte, 8+4+len(h.ReplicaID))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.FromOffset))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(h.ReplicaID)))
	copy(buf[12:], h.ReplicaID)
	return buf
}

func decodeHello(b []byte) (HelloMessage, error) {
	if len(b) < 12 {
		return HelloMessage{}, synaperr.New(synaperr.ChecksumMismatch, "replication: truncated hello")
	}
	offset := oplog.LogOffset(binary.LittleEndian.Uint64(b[0:8]))
	idLen := binary.LittleEndian.Uint32(b[8:12])
	if uint64(len(b)-12) < uint64(idLen) {
		return HelloMessage{}, synaperr.New(synaperr.ChecksumMismatch, "replication: truncated hello id")
	}
	return HelloMessage{ReplicaID: string(b[12 : 12+idLen]), FromOffset: offset}, nil
}

func encodeHelloAck(a HelloAckMessage) []byte {
	return []byte(a.Mode)
}

func decodeHelloAck(b []byte) HelloAckMessage {
	return HelloAckMessage{Mode: SyncMode(b)}
}
