package main

import (
	"context"
	"net"
	"time"

	"synap/internal/config"
	"synap/internal/logging"
	"synap/internal/oplog"
	"synap/internal/replication"
	"synap/internal/wal"

	"github.com/google/uuid"
)

// replicatingAppender wraps a wal.Writer so that every locally durable
// record is also published to connected replicas. It satisfies the same
// Appender interface every engine expects, so wiring replication in is a
// matter of which appender gets handed to SetAppender, not a change to the
// engines themselves.
type replicatingAppender struct {
	writer *wal.Writer
	master *replication.Master
}

func (a *replicatingAppender) Append(rec *oplog.Record) (oplog.LogOffset, error) {
	offset, err := a.writer.Append(rec)
	if err != nil {
		return 0, err
	}
	a.master.Publish(rec)
	return offset, nil
}

// runMaster starts a TCP listener accepting replica connections and returns
// the constructed Master plus an Appender that publishes every locally
// durable record to it. It should be attached to every engine via
// SetAppender in place of the bare WAL writer.
func runMaster(ctx context.Context, cfg config.ReplicationConfig, writer *wal.Writer, log *logging.Logger) (*replication.Master, *replicatingAppender, error) {
	master := replication.NewMaster(replication.MasterOptions{
		LogRetentionEntries: cfg.LogRetentionEntries,
		LogRetentionSeconds: cfg.LogRetentionSeconds,
		BatchSize:           cfg.BatchSize,
		BatchTimeout:        time.Duration(cfg.BatchTimeoutMS) * time.Millisecond,
	})

	listenAddr := cfg.ListenAddress
	if listenAddr == "" {
		listenAddr = ":43128"
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, nil, err
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("replication listener accept failed", logging.Error(err))
				continue
			}
			go func() {
				rs, err := master.AcceptReplica(conn)
				if err != nil {
					log.Warn("replica handshake failed", logging.Error(err))
					return
				}
				log.Info("replica attached", logging.Int("replica_count", master.ReplicaCount()))
				_ = rs
			}()
		}
	}()

	log.Info("replication master listening", logging.String("address", listenAddr))
	return master, &replicatingAppender{writer: writer, master: master}, nil
}

// replicaApplier is the Applier a replica hands to replication.Replica: it
// applies an incoming record to local engine state and then durably records
// it in the replica's own WAL, so a restarted replica can resume from its
// own recovery path instead of always needing a fresh full resync from the
// master. It appends a shallow copy of rec rather than rec itself — the
// local wal.Writer reassigns Offset to its own sequence on Append, and
// mutating the master's record in place would corrupt the master-offset
// bookkeeping replication.Replica does immediately after Apply returns.
type replicaApplier struct {
	engines *engines
	wal     *wal.Writer
}

func (a *replicaApplier) Apply(rec *oplog.Record) error {
	if err := a.engines.Apply(rec); err != nil {
		return err
	}
	local := *rec
	_, err := a.wal.Append(&local)
	return err
}

// runReplica starts the client side of master-replica streaming. onFullResync
// is invoked when the master reports this replica's requested offset has
// already aged out of its retention ring; it must reload the latest
// snapshot and report the LogOffset it represents.
func runReplica(ctx context.Context, cfg config.ReplicationConfig, startOffset oplog.LogOffset, applier replication.Applier, onFullResync func() (oplog.LogOffset, error), log *logging.Logger) *replication.Replica {
	replica := replication.NewReplica(replication.ReplicaOptions{
		ReplicaID:     uuid.NewString(),
		MasterAddress: cfg.MasterAddress,
		Applier:       applier,
		OnFullResync:  onFullResync,
		StartOffset:   startOffset,
	})

	go func() {
		log.Info("replica streaming from master", logging.String("master_address", cfg.MasterAddress))
		if err := replica.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("replica stream terminated", logging.Error(err))
		}
	}()
	return replica
}
