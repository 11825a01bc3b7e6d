package replication

import (
	"context"
	"net"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"
)

// Replica is the client side of master-replica streaming: it dials the
// master, performs the HELLO/HELLO_ACK handshake, and applies every record
// it receives to a local Applier, reconnecting with backoff on any
// connection failure.
type Replica struct {
	id           string
	masterAddr   string
	applier      Applier
	dial         func(addr string) (net.Conn, error)
	clock        func() time.Time
	backoffMin   time.Duration
	backoffMax   time.Duration
	onFullResync func() (oplog.LogOffset, error)

	lastOffset oplog.LogOffset
}

// ReplicaOptions configures a Replica.
type ReplicaOptions struct {
	ReplicaID     string
	MasterAddress string
	Applier       Applier
	Dial          func(addr string) (net.Conn, error)
	Clock         func() time.Time
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	// OnFullResync is invoked when the master signals that this replica's
	// requested offset has already been trimmed from its retention ring. It
	// must load the latest snapshot into local engine state and return the
	// LogOffset that snapshot represents, which becomes the new resume
	// point for incremental streaming.
	OnFullResync func() (oplog.LogOffset, error)

	// StartOffset seeds the first HELLO's FromOffset, normally the offset
	// recovered from the replica's own WAL/snapshot at startup.
	StartOffset oplog.LogOffset
}

// NewReplica constructs a Replica bound to opts.Applier.
func NewReplica(opts ReplicaOptions) *Replica {
	if opts.Dial == nil {
		opts.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 200 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Replica{
		id:           opts.ReplicaID,
		masterAddr:   opts.MasterAddress,
		applier:      opts.Applier,
		dial:         opts.Dial,
		clock:        opts.Clock,
		backoffMin:   opts.BackoffMin,
		backoffMax:   opts.BackoffMax,
		onFullResync: opts.OnFullResync,
		lastOffset:   opts.StartOffset,
	}
}

// LastOffset reports the highest record offset successfully applied so far.
func (rp *Replica) LastOffset() oplog.LogOffset {
	return rp.lastOffset
}

// Run connects to the master and streams records until ctx is cancelled,
// reconnecting with exponential backoff on any connection or protocol
// error. It returns only when ctx is done.
func (rp *Replica) Run(ctx context.Context) error {
	backoff := rp.backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := rp.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = rp.backoffMin
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > rp.backoffMax {
			backoff = rp.backoffMax
		}
	}
}

// runOnce performs one dial-handshake-stream cycle, returning when the
// connection drops or ctx is cancelled.
func (rp *Replica) runOnce(ctx context.Context) error {
	//1.- Dial the master and announce this replica's resume point with HELLO.
	conn, err := rp.dial(rp.masterAddr)
	if err != nil {
		return synaperr.Wrap(synaperr.DurabilityFailed, err, "replication: dial master %s", rp.masterAddr)
	}
	defer conn.Close()

	if err := writeWireFrame(conn, FrameHello, encodeHello(HelloMessage{ReplicaID: rp.id, FromOffset: rp.lastOffset})); err != nil {
		return err
	}

	//2.- The master's HELLO_ACK says whether the requested offset is still in its ring.
	ft, payload, err := readWireFrame(conn)
	if err != nil {
		return err
	}
	if ft != FrameHelloAck {
		return synaperr.New(synaperr.InvalidArgument, "replication: expected HELLO_ACK, got frame type %d", ft)
	}
	ack := decodeHelloAck(payload)

	//3.- A full resync means the offset aged out; reload from the latest snapshot first.
	if ack.Mode == SyncFull {
		if rp.onFullResync == nil {
			return synaperr.New(synaperr.ReplicationBehind, "replication: master requires full resync but no resync handler configured")
		}
		offset, err := rp.onFullResync()
		if err != nil {
			return synaperr.Wrap(synaperr.ReplicationBehind, err, "replication: full resync failed")
		}
		rp.lastOffset = offset
	}

	doneCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-doneCh:
		}
	}()
	defer close(doneCh)

	for {
		framePayload, err := oplog.ReadFrame(conn)
		if err != nil {
			return err
		}
		rec, err := oplog.Decode(framePayload)
		if err != nil {
			return err
		}
		//4.- Skip records already covered by the resync window before applying.
		if rec.Offset <= rp.lastOffset {
			continue
		}
		if err := rp.applier.Apply(rec); err != nil {
			return err
		}
		rp.lastOffset = rec.Offset
	}
}
