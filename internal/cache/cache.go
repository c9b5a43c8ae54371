// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package cache provides the generic expiring read-side cache. Unlike a
// process-local cache it is backed by the durable store, so cached API
// responses survive a restart and keep serving offline reads.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Entry is a cached value with optional absolute expiry. A zero Expiry means
// the entry never expires.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Expiry    time.Time       `json:"expiry,omitempty"`
}

// expired reports whether the entry is past its expiry at instant now.
func (e *Entry) expired(now time.Time) bool {
	return !e.Expiry.IsZero() && !now.Before(e.Expiry)
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	LastSweep time.Time
}

// Cache is a durable key/value cache with TTL-based expiry. Entries past
// expiry are treated as absent and purged on the next read or sweep.
type Cache struct {
	store store.Store

	mu    sync.Mutex
	stats Stats
}

// New creates a cache over the given store.
func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// Set stores a value under key with a TTL in minutes. A zero or negative TTL
// produces an already-expired entry, which the next read purges.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttlMinutes int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	now := time.Now().UTC()
	entry := Entry{
		Key:       key,
		Data:      data,
		Timestamp: now,
		Expiry:    now.Add(time.Duration(ttlMinutes) * time.Minute),
	}

	if err := c.store.Put(ctx, store.PartitionCache, key, &entry); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

// Get retrieves a cached value into out. Returns (false, nil) when the key is
// absent or expired; an expired entry is deleted on the way out.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	var entry Entry
	err := c.store.Get(ctx, store.PartitionCache, key, &entry)
	if errors.Is(err, store.ErrNotFound) {
		c.recordMiss()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load cache entry: %w", err)
	}

	if entry.expired(time.Now().UTC()) {
		if err := c.store.Delete(ctx, store.PartitionCache, key); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("cache: failed to purge expired entry")
		}
		c.recordMiss()
		c.recordEviction(1)
		return false, nil
	}

	if out != nil {
		if err := json.Unmarshal(entry.Data, out); err != nil {
			return false, fmt.Errorf("unmarshal cache value: %w", err)
		}
	}
	c.recordHit()
	return true, nil
}

// Delete removes a cache entry. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, store.PartitionCache, key)
}

// SweepExpired proactively removes every entry whose expiry has passed.
// Called on a schedule and at startup.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var expired []string

	err := c.store.GetAll(ctx, store.PartitionCache, func(key string, data []byte) error {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Unreadable entries count as expired.
			expired = append(expired, key)
			return nil
		}
		if entry.expired(now) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache: %w", err)
	}

	removed := 0
	for _, key := range expired {
		if err := c.store.Delete(ctx, store.PartitionCache, key); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("cache: sweep failed to delete entry")
			continue
		}
		removed++
	}

	c.mu.Lock()
	c.stats.Evictions += int64(removed)
	c.stats.LastSweep = now
	c.mu.Unlock()
	metrics.CacheEvictionsTotal.Add(float64(removed))

	if removed > 0 {
		logging.Debug().Int("removed", removed).Msg("cache sweep complete")
	}
	return removed, nil
}

// Clear wipes the cache partition. Used on logout.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, store.PartitionCache)
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	metrics.CacheHitsTotal.Inc()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	metrics.CacheMissesTotal.Inc()
}

func (c *Cache) recordEviction(n int64) {
	c.mu.Lock()
	c.stats.Evictions += n
	c.mu.Unlock()
	metrics.CacheEvictionsTotal.Add(float64(n))
}
