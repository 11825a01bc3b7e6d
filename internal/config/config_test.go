package config

import (
	"strings"
	"testing"
)

func clearSynapEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SYNAP_ADDR", "SYNAP_DATA_DIR",
		"SYNAP_WAL_ENABLED", "SYNAP_WAL_FSYNC_MODE", "SYNAP_WAL_FSYNC_INTERVAL_MS",
		"SYNAP_WAL_BATCH_SIZE", "SYNAP_WAL_BATCH_TIMEOUT_MS",
		"SYNAP_SNAPSHOT_INTERVAL_SECONDS", "SYNAP_SNAPSHOT_OPERATION_THRESHOLD", "SYNAP_SNAPSHOT_MAX_RETAINED",
		"SYNAP_KV_SHARD_COUNT", "SYNAP_KV_MAX_MEMORY_BYTES", "SYNAP_KV_EVICTION_POLICY",
		"SYNAP_QUEUE_DEFAULT_ACK_DEADLINE_SECONDS", "SYNAP_QUEUE_DEFAULT_MAX_RETRIES",
		"SYNAP_QUEUE_DEFAULT_PRIORITY", "SYNAP_QUEUE_MAX_DEPTH",
		"SYNAP_STREAM_RETENTION_MODE", "SYNAP_STREAM_MAX_EVENTS_PER_ROOM",
		"SYNAP_STREAM_RETENTION_SECONDS", "SYNAP_STREAM_ROOM_INACTIVE_TIMEOUT_SECONDS",
		"SYNAP_REPLICATION_ROLE", "SYNAP_REPLICATION_LISTEN_ADDRESS", "SYNAP_REPLICATION_MASTER_ADDRESS",
		"SYNAP_REPLICATION_LOG_RETENTION_ENTRIES", "SYNAP_REPLICATION_LOG_RETENTION_SECONDS",
		"SYNAP_REPLICATION_HEARTBEAT_INTERVAL_MS", "SYNAP_REPLICATION_BATCH_SIZE", "SYNAP_REPLICATION_BATCH_TIMEOUT_MS",
		"SYNAP_LOG_LEVEL", "SYNAP_LOG_PATH", "SYNAP_LOG_MAX_SIZE_MB", "SYNAP_LOG_MAX_BACKUPS",
		"SYNAP_LOG_MAX_AGE_DAYS", "SYNAP_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSynapEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Fatalf("expected default data dir %q, got %q", DefaultDataDir, cfg.DataDir)
	}
	if cfg.WAL.Enabled != DefaultWALEnabled {
		t.Fatalf("expected default wal enabled %t, got %t", DefaultWALEnabled, cfg.WAL.Enabled)
	}
	if cfg.WAL.FsyncMode != DefaultFsyncMode {
		t.Fatalf("expected default fsync mode %q, got %q", DefaultFsyncMode, cfg.WAL.FsyncMode)
	}
	if cfg.KV.ShardCount != DefaultKVShardCount {
		t.Fatalf("expected default shard count %d, got %d", DefaultKVShardCount, cfg.KV.ShardCount)
	}
	if cfg.KV.EvictionPolicy != DefaultKVEvictionPolicy {
		t.Fatalf("expected default eviction policy %q, got %q", DefaultKVEvictionPolicy, cfg.KV.EvictionPolicy)
	}
	if cfg.Queue.DefaultPriority != DefaultQueuePriority {
		t.Fatalf("expected default queue priority %d, got %d", DefaultQueuePriority, cfg.Queue.DefaultPriority)
	}
	if cfg.Stream.RetentionMode != DefaultStreamRetentionMode {
		t.Fatalf("expected default stream retention mode %q, got %q", DefaultStreamRetentionMode, cfg.Stream.RetentionMode)
	}
	if cfg.Replication.Role != DefaultReplicationRole {
		t.Fatalf("expected default replication role %q, got %q", DefaultReplicationRole, cfg.Replication.Role)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearSynapEnv(t)
	t.Setenv("SYNAP_ADDR", "127.0.0.1:9000")
	t.Setenv("SYNAP_KV_SHARD_COUNT", "128")
	t.Setenv("SYNAP_KV_EVICTION_POLICY", "lfu")
	t.Setenv("SYNAP_QUEUE_DEFAULT_PRIORITY", "9")
	t.Setenv("SYNAP_STREAM_RETENTION_MODE", "infinite")
	t.Setenv("SYNAP_REPLICATION_ROLE", "replica")
	t.Setenv("SYNAP_REPLICATION_MASTER_ADDRESS", "10.0.0.1:43128")
	t.Setenv("SYNAP_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.KV.ShardCount != 128 {
		t.Fatalf("expected overridden shard count 128, got %d", cfg.KV.ShardCount)
	}
	if cfg.KV.EvictionPolicy != "lfu" {
		t.Fatalf("expected overridden eviction policy lfu, got %q", cfg.KV.EvictionPolicy)
	}
	if cfg.Queue.DefaultPriority != 9 {
		t.Fatalf("expected overridden priority 9, got %d", cfg.Queue.DefaultPriority)
	}
	if cfg.Stream.RetentionMode != "infinite" {
		t.Fatalf("expected overridden retention mode infinite, got %q", cfg.Stream.RetentionMode)
	}
	if cfg.Replication.Role != "replica" {
		t.Fatalf("expected overridden role replica, got %q", cfg.Replication.Role)
	}
	if cfg.Replication.MasterAddress != "10.0.0.1:43128" {
		t.Fatalf("unexpected master address %q", cfg.Replication.MasterAddress)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearSynapEnv(t)
	t.Setenv("SYNAP_WAL_FSYNC_MODE", "sometimes")
	t.Setenv("SYNAP_KV_EVICTION_POLICY", "random")
	t.Setenv("SYNAP_QUEUE_DEFAULT_PRIORITY", "15")
	t.Setenv("SYNAP_STREAM_RETENTION_MODE", "bogus")
	t.Setenv("SYNAP_KV_SHARD_COUNT", "-3")
	t.Setenv("SYNAP_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"SYNAP_WAL_FSYNC_MODE",
		"SYNAP_KV_EVICTION_POLICY",
		"SYNAP_QUEUE_DEFAULT_PRIORITY",
		"SYNAP_STREAM_RETENTION_MODE",
		"SYNAP_KV_SHARD_COUNT",
		"SYNAP_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRequiresMasterAddressForReplica(t *testing.T) {
	clearSynapEnv(t)
	t.Setenv("SYNAP_REPLICATION_ROLE", "replica")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when replica role set without master address")
	}
	if !strings.Contains(err.Error(), "SYNAP_REPLICATION_MASTER_ADDRESS") {
		t.Fatalf("expected error to mention master address requirement, got %q", err.Error())
	}
}
