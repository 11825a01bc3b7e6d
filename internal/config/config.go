// Package config loads runtime tunables for the synap core from environment
// variables, applying sane defaults and returning descriptive errors for
// invalid overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultAddr is the default TCP address the WebSocket gateway listens on.
	DefaultAddr = ":43127"
	// DefaultDataDir is where the WAL, snapshots, and log files are written.
	DefaultDataDir = "data"

	// DefaultWALEnabled is the default of WAL.Enabled. cmd/synapd does not read
	// that field: it always opens the WAL, so there is no in-memory-only mode.
	DefaultWALEnabled = true
	// DefaultFsyncMode selects the WAL durability mode.
	DefaultFsyncMode = "periodic"
	// DefaultFsyncIntervalMS is used only with fsync_mode=periodic.
	DefaultFsyncIntervalMS = 10
	// DefaultWALBatchSize bounds how many records a group commit may batch.
	DefaultWALBatchSize = 256
	// DefaultWALBatchTimeoutMS bounds how long a group commit waits to fill a batch.
	DefaultWALBatchTimeoutMS = 5

	// DefaultSnapshotIntervalSeconds controls how frequently snapshots are taken.
	DefaultSnapshotIntervalSeconds = 300
	// DefaultSnapshotOperationThreshold triggers a snapshot after N WAL records.
	DefaultSnapshotOperationThreshold = 100000
	// DefaultSnapshotMaxRetained bounds how many snapshots are kept on disk.
	DefaultSnapshotMaxRetained = 3

	// DefaultKVShardCount is the number of independently locked KV shards.
	DefaultKVShardCount = 64
	// DefaultKVMaxMemoryBytes bounds tracked KV byte usage before eviction kicks in.
	DefaultKVMaxMemoryBytes int64 = 512 << 20
	// DefaultKVEvictionPolicy selects the sampling eviction strategy.
	DefaultKVEvictionPolicy = "lru"

	// DefaultQueueAckDeadlineSeconds is the default inflight ack deadline.
	DefaultQueueAckDeadlineSeconds = 30
	// DefaultQueueMaxRetries is the default redelivery budget before dead-lettering.
	DefaultQueueMaxRetries = 5
	// DefaultQueuePriority is the default of Queue.DefaultPriority. No publish
	// path reads that field; a publish without a priority is enqueued at 0.
	DefaultQueuePriority = 5
	// DefaultQueueMaxDepth bounds pending messages per queue.
	DefaultQueueMaxDepth = 100000

	// DefaultStreamRetentionMode selects the room retention policy.
	DefaultStreamRetentionMode = "count"
	// DefaultStreamMaxEventsPerRoom bounds the ring buffer capacity.
	DefaultStreamMaxEventsPerRoom = 10000
	// DefaultStreamRetentionSeconds bounds time-based retention.
	DefaultStreamRetentionSeconds = 3600
	// DefaultStreamRoomInactiveTimeoutSeconds reclaims idle rooms.
	DefaultStreamRoomInactiveTimeoutSeconds = 3600

	// DefaultReplicationRole selects master/replica/none.
	DefaultReplicationRole = "none"
	// DefaultReplicationLogRetentionEntries bounds the master's retained log ring.
	DefaultReplicationLogRetentionEntries = 1000000
	// DefaultReplicationLogRetentionSeconds bounds the master's retained log age.
	DefaultReplicationLogRetentionSeconds = 3600
	// DefaultReplicationHeartbeatIntervalMS is the default of
	// Replication.HeartbeatIntervalMS. The replication package sends no
	// heartbeats and does not read that field.
	DefaultReplicationHeartbeatIntervalMS = 1000
	// DefaultReplicationBatchSize bounds records shipped per batch.
	DefaultReplicationBatchSize = 100
	// DefaultReplicationBatchTimeoutMS bounds how long a batch waits to fill.
	DefaultReplicationBatchTimeoutMS = 10

	// DefaultLogLevel controls verbosity for synap logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "synap.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// WALConfig controls write-ahead log durability behaviour (spec §4.1, §6.6).
type WALConfig struct {
	Enabled          bool
	FsyncMode        string
	FsyncIntervalMS  int
	BatchSize        int
	BatchTimeoutMS   int
}

// SnapshotConfig controls checkpoint cadence and retention (spec §4.2, §6.6).
type SnapshotConfig struct {
	IntervalSeconds     int
	OperationThreshold  int
	MaxRetained         int
}

// KVConfig sizes the sharded KV engine (spec §4.3, §6.6).
type KVConfig struct {
	ShardCount      int
	MaxMemoryBytes  int64
	EvictionPolicy  string
}

// QueueConfig sets default queue behaviour (spec §4.4, §6.6).
type QueueConfig struct {
	DefaultAckDeadlineSeconds int
	DefaultMaxRetries         int
	DefaultPriority           int
	MaxDepth                  int
}

// StreamConfig sets default room retention behaviour (spec §4.5, §6.6).
type StreamConfig struct {
	RetentionMode              string
	MaxEventsPerRoom           int
	RetentionSeconds           int
	RoomInactiveTimeoutSeconds int
}

// ReplicationConfig controls master/replica wiring (spec §4.6, §6.6).
type ReplicationConfig struct {
	Role                    string
	ListenAddress           string
	MasterAddress           string
	LogRetentionEntries     int
	LogRetentionSeconds     int
	HeartbeatIntervalMS     int
	BatchSize               int
	BatchTimeoutMS          int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures every runtime tunable for the synap core.
type Config struct {
	Address     string
	DataDir     string
	WAL         WALConfig
	Snapshot    SnapshotConfig
	KV          KVConfig
	Queue       QueueConfig
	Stream      StreamConfig
	Replication ReplicationConfig
	Logging     LoggingConfig

	// AuthSecret, when non-empty, switches the WebSocket gateway from
	// accept-all to HMAC token verification (see internal/auth). Empty by
	// default so a local/dev server needs no extra setup.
	AuthSecret string
}

// Load reads the synap configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:    getString("SYNAP_ADDR", DefaultAddr),
		DataDir:    getString("SYNAP_DATA_DIR", DefaultDataDir),
		AuthSecret: strings.TrimSpace(os.Getenv("SYNAP_AUTH_SECRET")),
		WAL: WALConfig{
			Enabled:         DefaultWALEnabled,
			FsyncMode:       getString("SYNAP_WAL_FSYNC_MODE", DefaultFsyncMode),
			FsyncIntervalMS: DefaultFsyncIntervalMS,
			BatchSize:       DefaultWALBatchSize,
			BatchTimeoutMS:  DefaultWALBatchTimeoutMS,
		},
		Snapshot: SnapshotConfig{
			IntervalSeconds:    DefaultSnapshotIntervalSeconds,
			OperationThreshold: DefaultSnapshotOperationThreshold,
			MaxRetained:        DefaultSnapshotMaxRetained,
		},
		KV: KVConfig{
			ShardCount:     DefaultKVShardCount,
			MaxMemoryBytes: DefaultKVMaxMemoryBytes,
			EvictionPolicy: getString("SYNAP_KV_EVICTION_POLICY", DefaultKVEvictionPolicy),
		},
		Queue: QueueConfig{
			DefaultAckDeadlineSeconds: DefaultQueueAckDeadlineSeconds,
			DefaultMaxRetries:         DefaultQueueMaxRetries,
			DefaultPriority:           DefaultQueuePriority,
			MaxDepth:                  DefaultQueueMaxDepth,
		},
		Stream: StreamConfig{
			RetentionMode:              getString("SYNAP_STREAM_RETENTION_MODE", DefaultStreamRetentionMode),
			MaxEventsPerRoom:           DefaultStreamMaxEventsPerRoom,
			RetentionSeconds:           DefaultStreamRetentionSeconds,
			RoomInactiveTimeoutSeconds: DefaultStreamRoomInactiveTimeoutSeconds,
		},
		Replication: ReplicationConfig{
			Role:                getString("SYNAP_REPLICATION_ROLE", DefaultReplicationRole),
			ListenAddress:       strings.TrimSpace(os.Getenv("SYNAP_REPLICATION_LISTEN_ADDRESS")),
			MasterAddress:       strings.TrimSpace(os.Getenv("SYNAP_REPLICATION_MASTER_ADDRESS")),
			LogRetentionEntries: DefaultReplicationLogRetentionEntries,
			LogRetentionSeconds: DefaultReplicationLogRetentionSeconds,
			HeartbeatIntervalMS: DefaultReplicationHeartbeatIntervalMS,
			BatchSize:           DefaultReplicationBatchSize,
			BatchTimeoutMS:      DefaultReplicationBatchTimeoutMS,
		},
		Logging: LoggingConfig{
			Level:      getString("SYNAP_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("SYNAP_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parseBool(&problems, "SYNAP_WAL_ENABLED", &cfg.WAL.Enabled)
	parseInt(&problems, "SYNAP_WAL_FSYNC_INTERVAL_MS", &cfg.WAL.FsyncIntervalMS, true)
	parseInt(&problems, "SYNAP_WAL_BATCH_SIZE", &cfg.WAL.BatchSize, false)
	parseInt(&problems, "SYNAP_WAL_BATCH_TIMEOUT_MS", &cfg.WAL.BatchTimeoutMS, false)

	switch cfg.WAL.FsyncMode {
	case "always", "periodic", "never":
	default:
		problems = append(problems, fmt.Sprintf("SYNAP_WAL_FSYNC_MODE must be always|periodic|never, got %q", cfg.WAL.FsyncMode))
	}

	parseInt(&problems, "SYNAP_SNAPSHOT_INTERVAL_SECONDS", &cfg.Snapshot.IntervalSeconds, false)
	parseInt(&problems, "SYNAP_SNAPSHOT_OPERATION_THRESHOLD", &cfg.Snapshot.OperationThreshold, false)
	parseInt(&problems, "SYNAP_SNAPSHOT_MAX_RETAINED", &cfg.Snapshot.MaxRetained, false)

	parseInt(&problems, "SYNAP_KV_SHARD_COUNT", &cfg.KV.ShardCount, false)
	parseInt64(&problems, "SYNAP_KV_MAX_MEMORY_BYTES", &cfg.KV.MaxMemoryBytes)
	switch cfg.KV.EvictionPolicy {
	case "lru", "lfu", "ttl":
	default:
		problems = append(problems, fmt.Sprintf("SYNAP_KV_EVICTION_POLICY must be lru|lfu|ttl, got %q", cfg.KV.EvictionPolicy))
	}

	parseInt(&problems, "SYNAP_QUEUE_DEFAULT_ACK_DEADLINE_SECONDS", &cfg.Queue.DefaultAckDeadlineSeconds, false)
	parseInt(&problems, "SYNAP_QUEUE_DEFAULT_MAX_RETRIES", &cfg.Queue.DefaultMaxRetries, true)
	parseInt(&problems, "SYNAP_QUEUE_DEFAULT_PRIORITY", &cfg.Queue.DefaultPriority, true)
	if cfg.Queue.DefaultPriority < 0 || cfg.Queue.DefaultPriority > 9 {
		problems = append(problems, fmt.Sprintf("SYNAP_QUEUE_DEFAULT_PRIORITY must be 0-9, got %d", cfg.Queue.DefaultPriority))
	}
	parseInt(&problems, "SYNAP_QUEUE_MAX_DEPTH", &cfg.Queue.MaxDepth, false)

	switch cfg.Stream.RetentionMode {
	case "time", "count", "size", "combined", "infinite":
	default:
		problems = append(problems, fmt.Sprintf("SYNAP_STREAM_RETENTION_MODE must be time|count|size|combined|infinite, got %q", cfg.Stream.RetentionMode))
	}
	parseInt(&problems, "SYNAP_STREAM_MAX_EVENTS_PER_ROOM", &cfg.Stream.MaxEventsPerRoom, false)
	parseInt(&problems, "SYNAP_STREAM_RETENTION_SECONDS", &cfg.Stream.RetentionSeconds, false)
	parseInt(&problems, "SYNAP_STREAM_ROOM_INACTIVE_TIMEOUT_SECONDS", &cfg.Stream.RoomInactiveTimeoutSeconds, false)

	switch cfg.Replication.Role {
	case "master", "replica", "none":
	default:
		problems = append(problems, fmt.Sprintf("SYNAP_REPLICATION_ROLE must be master|replica|none, got %q", cfg.Replication.Role))
	}
	if cfg.Replication.Role == "replica" && cfg.Replication.MasterAddress == "" {
		problems = append(problems, "SYNAP_REPLICATION_MASTER_ADDRESS is required when SYNAP_REPLICATION_ROLE=replica")
	}
	parseInt(&problems, "SYNAP_REPLICATION_LOG_RETENTION_ENTRIES", &cfg.Replication.LogRetentionEntries, false)
	parseInt(&problems, "SYNAP_REPLICATION_LOG_RETENTION_SECONDS", &cfg.Replication.LogRetentionSeconds, false)
	parseInt(&problems, "SYNAP_REPLICATION_HEARTBEAT_INTERVAL_MS", &cfg.Replication.HeartbeatIntervalMS, false)
	parseInt(&problems, "SYNAP_REPLICATION_BATCH_SIZE", &cfg.Replication.BatchSize, false)
	parseInt(&problems, "SYNAP_REPLICATION_BATCH_TIMEOUT_MS", &cfg.Replication.BatchTimeoutMS, false)

	parseInt(&problems, "SYNAP_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, false)
	parseInt(&problems, "SYNAP_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, true)
	parseInt(&problems, "SYNAP_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, true)
	parseBool(&problems, "SYNAP_LOG_COMPRESS", &cfg.Logging.Compress)

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parseInt overrides *dest from the named env var if set. allowZero permits
// a zero value to pass validation (used for counters that are legitimately 0).
func parseInt(problems *[]string, key string, dest *int, allowZero bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	min := 1
	if allowZero {
		min = 0
	}
	if err != nil || value < min {
		*problems = append(*problems, fmt.Sprintf("%s must be a valid integer >= %d, got %q", key, min, raw))
		return
	}
	*dest = value
}

func parseInt64(problems *[]string, key string, dest *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dest = value
}

func parseBool(problems *[]string, key string, dest *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dest = value
}
