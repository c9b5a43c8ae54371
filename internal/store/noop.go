// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package store

import "context"

// Noop is the degraded-mode store used when local storage is unavailable.
// Writes are accepted and discarded, reads find nothing. The engine keeps
// serving the UI; it just cannot persist anything. This mode is reported
// once at startup by OpenWithFallback.
type Noop struct{}

var _ Store = (*Noop)(nil)

// NewNoop returns a no-op store.
func NewNoop() *Noop {
	return &Noop{}
}

// Put discards the record.
func (n *Noop) Put(ctx context.Context, partition, key string, value interface{}) error {
	return nil
}

// PutIndexed discards the record.
func (n *Noop) PutIndexed(ctx context.Context, partition, key string, value interface{}, indexes map[string]string) error {
	return nil
}

// Get always reports the record missing.
func (n *Noop) Get(ctx context.Context, partition, key string, out interface{}) error {
	return ErrNotFound
}

// GetAll iterates nothing.
func (n *Noop) GetAll(ctx context.Context, partition string, fn func(key string, data []byte) error) error {
	return nil
}

// GetAllByIndex iterates nothing.
func (n *Noop) GetAllByIndex(ctx context.Context, partition, index, value string, fn func(key string, data []byte) error) error {
	return nil
}

// Delete is a no-op.
func (n *Noop) Delete(ctx context.Context, partition, key string) error {
	return nil
}

// Clear is a no-op.
func (n *Noop) Clear(ctx context.Context, partition string) error {
	return nil
}

// Count reports an empty partition.
func (n *Noop) Count(ctx context.Context, partition string) (int, error) {
	return 0, nil
}

// Available reports that nothing is persisted.
func (n *Noop) Available() bool {
	return false
}

// Close is a no-op.
func (n *Noop) Close() error {
	return nil
}
