package replication

import (
	"net"

	"synap/internal/synaperr"
)

// AcceptReplica performs the master side of the HELLO/HELLO_ACK handshake
// over a freshly accepted connection, then attaches the replica to m and
// starts streaming. It blocks only for the handshake itself; the returned
// sender runs its batching loop in its own goroutine.
func (m *Master) AcceptReplica(conn net.Conn) (*replicaSender, error) {
	//1.- Read and decode the replica's HELLO before trusting anything about it.
	ft, payload, err := readWireFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ft != FrameHello {
		conn.Close()
		return nil, synaperr.New(synaperr.InvalidArgument, "replication: expected HELLO, got frame type %d", ft)
	}
	hello, err := decodeHello(payload)
	if err != nil {
		conn.Close()
		return nil, err
	}

	//2.- Register the replica and decide full vs incremental sync from its offset.
	rs, mode, err := m.AttachReplica(hello.ReplicaID, conn, hello.FromOffset)
	if err != nil {
		conn.Close()
		return nil, err
	}

	//3.- Ack the decided mode; a failed ack tears the replica back down.
	ack := encodeHelloAck(HelloAckMessage{Mode: mode})
	if err := writeWireFrame(conn, FrameHelloAck, ack); err != nil {
		m.DetachReplica(hello.ReplicaID)
		return nil, err
	}
	return rs, nil
}
