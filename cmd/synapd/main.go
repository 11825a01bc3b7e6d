// Command synapd runs the synap server: the sharded KV store, at-least-once
// queues, ring-buffered streams with consumer groups, a thin pub/sub
// fan-out layer, and the WAL/snapshot/replication machinery that makes all
// of it durable, wired together and served over a single WebSocket gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"synap/internal/auth"
	"synap/internal/config"
	"synap/internal/kv"
	"synap/internal/logging"
	"synap/internal/oplog"
	"synap/internal/pubsub"
	"synap/internal/queue"
	"synap/internal/replication"
	"synap/internal/stream"
	"synap/internal/transport/ws"
	"synap/internal/wal"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", logging.Error(err), logging.String("path", cfg.DataDir))
	}

	// construct engines with no appender yet; recovery must replay into them
	// without re-logging what it reads
	e := &engines{
		KV:     kv.New(kv.Options{ShardCount: cfg.KV.ShardCount, MaxMemoryBytes: cfg.KV.MaxMemoryBytes, EvictionPolicy: kv.EvictionPolicy(cfg.KV.EvictionPolicy)}),
		Queue: queue.NewManager(queue.ManagerOptions{
			DefaultAckDeadline: time.Duration(cfg.Queue.DefaultAckDeadlineSeconds) * time.Second,
			DefaultMaxRetries:  cfg.Queue.DefaultMaxRetries,
			DefaultMaxDepth:    cfg.Queue.MaxDepth,
		}),
		Stream: stream.NewManager(stream.Options{
			Retention: stream.RetentionPolicy{
				Mode:      stream.RetentionMode(cfg.Stream.RetentionMode),
				MaxEvents: cfg.Stream.MaxEventsPerRoom,
				MaxAge:    time.Duration(cfg.Stream.RetentionSeconds) * time.Second,
			},
			RoomInactiveTimeout: time.Duration(cfg.Stream.RoomInactiveTimeoutSeconds) * time.Second,
		}),
	}

	// snapshot load
	snapshotOffset, err := loadSnapshot(cfg.DataDir, e, logger)
	if err != nil {
		logger.Fatal("failed to load snapshot", logging.Error(err))
	}

	// WAL open and tail replay
	walPath := filepath.Join(cfg.DataDir, "synap.wal")
	writer, walOffset, err := wal.Open(wal.Options{
		Path:          walPath,
		FsyncMode:     wal.FsyncMode(cfg.WAL.FsyncMode),
		FsyncInterval: time.Duration(cfg.WAL.FsyncIntervalMS) * time.Millisecond,
		BatchSize:     cfg.WAL.BatchSize,
		BatchTimeout:  time.Duration(cfg.WAL.BatchTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("failed to open write-ahead log", logging.Error(err), logging.String("path", walPath))
	}

	replayed := 0
	if err := wal.Replay(walPath, func(rec *oplog.Record) error {
		if rec.Offset <= snapshotOffset {
			return nil
		}
		replayed++
		return e.Apply(rec)
	}); err != nil {
		logger.Fatal("failed to replay write-ahead log", logging.Error(err))
	}
	logger.Info("recovery complete",
		logging.Int64("snapshot_offset", int64(snapshotOffset)),
		logging.Int64("wal_offset", int64(walOffset)),
		logging.Int("records_replayed", replayed),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// replication wiring, role-dependent
	var master *replication.Master
	var rawAppender interface {
		Append(rec *oplog.Record) (oplog.LogOffset, error)
	} = writer

	switch cfg.Replication.Role {
	case "master":
		m, repAppender, err := runMaster(ctx, cfg.Replication, writer, logger)
		if err != nil {
			logger.Fatal("failed to start replication master", logging.Error(err))
		}
		master = m
		rawAppender = repAppender
	case "replica":
		applier := &replicaApplier{engines: e, wal: writer}
		onFullResync := func() (oplog.LogOffset, error) {
			logger.Warn("full resync requested by master; reloading local snapshot")
			return loadSnapshot(cfg.DataDir, e, logger)
		}
		runReplica(ctx, cfg.Replication, walOffset, applier, onFullResync, logger)
	}

	// tracked wraps whichever appender is live (bare WAL writer, or the
	// replicating appender that also publishes to replicas) and records the
	// highest offset it has seen, so the checkpointer always snapshots
	// against the true current offset instead of the offset observed at
	// startup. The same value satisfies kv.Appender, queue.Appender, and
	// stream.Appender — three distinct interface types with one identical
	// method set — so it is constructed once and handed to all three.
	tracked := &trackedAppender{inner: rawAppender, last: uint64(walOffset)}

	e.KV.SetAppender(tracked)
	e.Queue.SetAppender(tracked)
	e.Stream.SetAppender(tracked)
	e.KV.StartBackground(100 * time.Millisecond)

	checkpointer := newCheckpointer(cfg.DataDir, cfg.Snapshot, e, tracked.current, logger)
	go checkpointer.run()

	broker := pubsub.New()

	var authenticator ws.Authenticator
	if cfg.AuthSecret != "" {
		a, err := auth.NewHMACAuthenticator(cfg.AuthSecret)
		if err != nil {
			logger.Fatal("failed to initialize websocket authenticator", logging.Error(err))
		}
		authenticator = a
		logger.Info("websocket gateway requires HMAC auth tokens")
	}

	gateway := ws.New(ws.Options{
		Engines:       ws.Engines{KV: e.KV, Queue: e.Queue, Stream: e.Stream, PubSub: broker},
		Authenticator: authenticator,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", healthzHandler(startedAt, master))

	server := &http.Server{Addr: cfg.Address, Handler: mux}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("synapd listening", logging.String("url", listenerURL(cfg.Address, false)), logging.String("replication_role", cfg.Replication.Role))
		serverErrCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server terminated unexpectedly", logging.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	}

	cancel()
	e.KV.Stop()
	checkpointer.stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful HTTP shutdown failed", logging.Error(err))
	}

	if err := checkpointer.checkpointOnFinalShutdown(); err != nil {
		logger.Warn("final snapshot on shutdown failed", logging.Error(err))
	}

	if err := writer.Close(); err != nil {
		logger.Warn("wal close failed", logging.Error(err))
	}

	logger.Info("synapd stopped")
}

// healthzHandler reports process uptime and, for a master node, connected
// replica count.
func healthzHandler(startedAt time.Time, master *replication.Master) http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Replicas      int     `json:"replicas,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok", UptimeSeconds: time.Since(startedAt).Seconds()}
		if master != nil {
			resp.Replicas = master.ReplicaCount()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// trackedAppender forwards to inner and records the highest LogOffset it
// has observed, giving the checkpointer a cheap, lock-free way to read the
// current write position without adding a method to wal.Writer itself.
type trackedAppender struct {
	inner interface {
		Append(rec *oplog.Record) (oplog.LogOffset, error)
	}
	last uint64
}

func (a *trackedAppender) Append(rec *oplog.Record) (oplog.LogOffset, error) {
	offset, err := a.inner.Append(rec)
	if err != nil {
		return 0, err
	}
	for {
		prev := atomic.LoadUint64(&a.last)
		if uint64(offset) <= prev || atomic.CompareAndSwapUint64(&a.last, prev, uint64(offset)) {
			break
		}
	}
	return offset, nil
}

func (a *trackedAppender) current() oplog.LogOffset {
	return oplog.LogOffset(atomic.LoadUint64(&a.last))
}
