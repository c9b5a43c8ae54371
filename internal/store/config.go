// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package store

import "time"

// Config holds local store configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Enqueued actions must
	// survive power loss, so this defaults to true.
	SyncWrites bool

	// MemTableSize is the size of each Badger memtable in bytes.
	MemTableSize int64

	// ValueLogFileSize is the size of each value log file in bytes.
	ValueLogFileSize int64

	// NumCompactors is the number of Badger compaction workers.
	NumCompactors int

	// GCRatio is the ratio for value log garbage collection.
	GCRatio float64

	// GCInterval is the time between value log GC runs.
	GCInterval time.Duration

	// CloseTimeout is the maximum time to wait for graceful shutdown.
	CloseTimeout time.Duration
}

// DefaultConfig returns defaults that prioritize durability over throughput.
// The engine's write volume is one record per user action, so fsync cost is
// irrelevant next to losing a queued mutation.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/fieldsync/store",
		SyncWrites:       true,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
		GCRatio:          0.5,
		GCInterval:       1 * time.Hour,
		CloseTimeout:     30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "store path is required"}
	}
	if c.MemTableSize < 1024*1024 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (Badger requirement)"}
	}
	if c.GCRatio <= 0 || c.GCRatio > 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be in (0, 1]"}
	}
	return nil
}

// ConfigError represents a store configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "store config error: " + e.Field + ": " + e.Message
}
