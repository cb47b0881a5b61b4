// Package config holds operational tuning that the connection string
// can't express — buffer pool sizing, GC cadence, checkpoint interval.
// It follows pkg/config.LoadConfigOrDefault's own discovery order: an
// env var, then a couple of well-known paths, falling back to
// defaults when none of those exist. None of this is required for
// engine correctness; a fresh Engine with zero config works from
// DefaultConfig alone.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the JSON side-file shape. Connection-string options
// (sync_mode, snapshot_interval, keep_snapshots, wal_flush_trigger)
// always win over these when both are present — see engine.Open.
type Config struct {
	Arena     ArenaConfig     `json:"arena"`
	GC        GCConfig        `json:"gc"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	WAL       WALConfig       `json:"wal"`
}

// ArenaConfig controls the row arena's buffer pool.
type ArenaConfig struct {
	MaxMemoryMB   int           `json:"max_memory_mb"`
	PageSize      int           `json:"page_size"`
	SpillDir      string        `json:"spill_dir"`
	EvictInterval time.Duration `json:"evict_interval"`
}

// GCConfig controls the background version/transaction-registry GC loop.
type GCConfig struct {
	Interval time.Duration `json:"interval"`
}

// SnapshotConfig controls the background checkpoint loop.
type SnapshotConfig struct {
	Interval      time.Duration `json:"interval"`
	KeepSnapshots int           `json:"keep_snapshots"`
}

// WALConfig controls segment sizing and the fsync-trigger record count.
type WALConfig struct {
	MaxSegmentBytes int64 `json:"max_segment_bytes"`
	FlushTrigger    int   `json:"flush_trigger"`
}

// DefaultConfig returns the engine's out-of-the-box tuning.
func DefaultConfig() *Config {
	return &Config{
		Arena: ArenaConfig{
			MaxMemoryMB:   0,
			PageSize:      4096,
			EvictInterval: 30 * time.Second,
		},
		GC: GCConfig{
			Interval: 1 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			Interval:      5 * time.Minute,
			KeepSnapshots: 3,
		},
		WAL: WALConfig{
			MaxSegmentBytes: 64 * 1024 * 1024,
			FlushTrigger:    0,
		},
	}
}

// LoadConfig reads and validates a JSON config file at path. An empty
// path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOrDefault tries OXIBASE_CONFIG, then a couple of
// well-known paths, then falls back to DefaultConfig. Errors at any
// candidate are swallowed in favor of trying the next one; only the
// final fallback is guaranteed to succeed.
func LoadConfigOrDefault() *Config {
	if envPath := os.Getenv("OXIBASE_CONFIG"); envPath != "" {
		if cfg, err := LoadConfig(envPath); err == nil {
			return cfg
		}
	}

	for _, path := range []string{"./oxibase.json", "/etc/oxibase/config.json"} {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if cfg, err := LoadConfig(abs); err == nil {
			return cfg
		}
	}

	return DefaultConfig()
}

func validate(cfg *Config) error {
	if cfg.Arena.PageSize < 1 {
		return fmt.Errorf("arena.page_size must be positive")
	}
	if cfg.Snapshot.KeepSnapshots < 0 {
		return fmt.Errorf("snapshot.keep_snapshots must not be negative")
	}
	if cfg.WAL.MaxSegmentBytes < 1 {
		return fmt.Errorf("wal.max_segment_bytes must be positive")
	}
	return nil
}
