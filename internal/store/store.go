// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package store provides the durable local store backing the offline engine.
// Records live in named partitions on BadgerDB (ACID, fsync) so queued
// mutations and entity mirrors survive process restarts. Secondary indexes
// support filtered reads such as "tasks for project X".
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fieldsync/fieldsync/internal/logging"
)

// Partition names. Each partition is an independent keyspace wiped
// individually on logout.
const (
	PartitionActions     = "offlineActions"
	PartitionCache       = "cache"
	PartitionUserData    = "userData"
	PartitionProjects    = "projects"
	PartitionTasks       = "tasks"
	PartitionTimeEntries = "timeEntries"
	PartitionMedia       = "media"
)

// Partitions returns every known partition name.
func Partitions() []string {
	return []string{
		PartitionActions,
		PartitionCache,
		PartitionUserData,
		PartitionProjects,
		PartitionTasks,
		PartitionTimeEntries,
		PartitionMedia,
	}
}

// Errors
var (
	// ErrStoreClosed is returned when the store has been closed.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is the durable key/value and collection store contract.
// All operations are durable before they return; there is no caller-visible
// eventual consistency within a single operation.
type Store interface {
	// Put inserts or overwrites a record by primary key.
	Put(ctx context.Context, partition, key string, value interface{}) error

	// PutIndexed inserts or overwrites a record together with its secondary
	// index values. Stale index entries from a previous version of the record
	// are removed in the same transaction.
	PutIndexed(ctx context.Context, partition, key string, value interface{}, indexes map[string]string) error

	// Get retrieves a record by primary key into out. Returns ErrNotFound
	// when the record does not exist.
	Get(ctx context.Context, partition, key string, out interface{}) error

	// GetAll iterates all records in a partition. Order is unspecified.
	GetAll(ctx context.Context, partition string, fn func(key string, data []byte) error) error

	// GetAllByIndex iterates records whose indexed field equals value.
	GetAllByIndex(ctx context.Context, partition, index, value string, fn func(key string, data []byte) error) error

	// Delete removes a record and its index entries. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, partition, key string) error

	// Clear wipes an entire partition, records and indexes both.
	Clear(ctx context.Context, partition string) error

	// Count returns the number of records in a partition.
	Count(ctx context.Context, partition string) (int, error)

	// Available reports whether the store is persisting data. A degraded
	// no-op store returns false.
	Available() bool

	// Close shuts the store down.
	Close() error
}

// envelope wraps every stored record with its index values so that Put and
// Delete can remove stale index entries without a separate bookkeeping scan.
type envelope struct {
	Indexes map[string]string `json:"indexes,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// Key layout:
//
//	r:<partition>:<key>                       -> envelope JSON
//	i:<partition>:<index>:<value>:<key>       -> primary key
const (
	recordPrefix = "r:"
	indexPrefix  = "i:"
)

func recordKey(partition, key string) []byte {
	return []byte(recordPrefix + partition + ":" + key)
}

func indexKey(partition, index, value, key string) []byte {
	return []byte(indexPrefix + partition + ":" + index + ":" + value + ":" + key)
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	config Config
	closed chan struct{}
}

var _ Store = (*BadgerStore)(nil)

// Open creates a BadgerStore at the configured path, creating the database
// as needed.
func Open(cfg Config) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.NumCompactors = cfg.NumCompactors
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		config: cfg,
		closed: make(chan struct{}),
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("local store opened")
	return s, nil
}

// OpenWithFallback opens a BadgerStore, degrading to a no-op store when the
// underlying storage is unavailable. The failure is reported once here; the
// engine keeps accepting calls but persists nothing.
func OpenWithFallback(cfg Config) Store {
	s, err := Open(cfg)
	if err != nil {
		logging.Error().Err(err).Str("path", cfg.Path).
			Msg("local store unavailable, running degraded (no persistence)")
		return NewNoop()
	}
	return s
}

func (s *BadgerStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Put inserts or overwrites a record with no secondary indexes.
func (s *BadgerStore) Put(ctx context.Context, partition, key string, value interface{}) error {
	return s.PutIndexed(ctx, partition, key, value, nil)
}

// PutIndexed inserts or overwrites a record and maintains its index entries.
func (s *BadgerStore) PutIndexed(ctx context.Context, partition, key string, value interface{}, indexes map[string]string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	env := envelope{Indexes: indexes, Data: data}
	envData, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	rk := recordKey(partition, key)

	return s.db.Update(func(txn *badger.Txn) error {
		// Remove index entries from any previous version of the record.
		if old, err := readEnvelope(txn, rk); err == nil {
			for idx, val := range old.Indexes {
				if err := txn.Delete(indexKey(partition, idx, val, key)); err != nil {
					return fmt.Errorf("delete stale index: %w", err)
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(rk, envData); err != nil {
			return fmt.Errorf("set record: %w", err)
		}

		for idx, val := range indexes {
			if err := txn.Set(indexKey(partition, idx, val, key), []byte(key)); err != nil {
				return fmt.Errorf("set index: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a record by primary key.
func (s *BadgerStore) Get(ctx context.Context, partition, key string, out interface{}) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, recordKey(partition, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(env.Data, out)
	})
}

// GetAll iterates all records in a partition.
//
// The iteration runs inside a single Badger View transaction, so callers see
// a consistent point-in-time snapshot even while writes are in flight.
func (s *BadgerStore) GetAll(ctx context.Context, partition string, fn func(key string, data []byte) error) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	prefix := []byte(recordPrefix + partition + ":")

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := string(item.Key()[len(prefix):])

			var env envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("store: failed to unmarshal record")
				continue
			}

			if err := fn(key, env.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAllByIndex iterates records whose indexed field equals value.
func (s *BadgerStore) GetAllByIndex(ctx context.Context, partition, index, value string, fn func(key string, data []byte) error) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	prefix := []byte(indexPrefix + partition + ":" + index + ":" + value + ":")

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var primary string
			if err := it.Item().Value(func(val []byte) error {
				primary = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read index entry: %w", err)
			}

			env, err := readEnvelope(txn, recordKey(partition, primary))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Dangling index entry; the record was removed.
				continue
			}
			if err != nil {
				return err
			}

			if err := fn(primary, env.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a record and its index entries.
func (s *BadgerStore) Delete(ctx context.Context, partition, key string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	rk := recordKey(partition, key)

	return s.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, rk)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		for idx, val := range env.Indexes {
			if err := txn.Delete(indexKey(partition, idx, val, key)); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
		}
		return txn.Delete(rk)
	})
}

// Clear wipes an entire partition, records and indexes both.
func (s *BadgerStore) Clear(ctx context.Context, partition string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	return s.db.DropPrefix(
		[]byte(recordPrefix+partition+":"),
		[]byte(indexPrefix+partition+":"),
	)
}

// Count returns the number of records in a partition.
func (s *BadgerStore) Count(ctx context.Context, partition string) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	prefix := []byte(recordPrefix + partition + ":")
	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Available reports that this store persists data.
func (s *BadgerStore) Available() bool {
	return !s.isClosed()
}

// RunGC triggers Badger value log garbage collection. Called periodically by
// the store maintenance service.
func (s *BadgerStore) RunGC() error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close shuts down the store with a bounded timeout so a wedged Badger close
// cannot hang process shutdown.
func (s *BadgerStore) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closed)

	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
		logging.Info().Msg("local store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badger close timeout after %v", timeout)
	}
}

// readEnvelope reads and unmarshals an envelope within a transaction.
func readEnvelope(txn *badger.Txn, key []byte) (*envelope, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}
