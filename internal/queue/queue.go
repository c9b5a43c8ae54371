// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package queue implements the durable mutation queue: an ordered list of
// pending create/update/delete intents recorded while the client is offline
// and drained by the synchronization engine once connectivity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/store"
)

// ActionType identifies the kind of mutation an action carries.
type ActionType string

// Action types.
const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
)

// Entity tags naming the target domain kind of an action.
const (
	EntityTask      = "task"
	EntityTimeEntry = "timeEntry"
	EntityExpense   = "expense"
	EntityMedia     = "media"
	EntityProject   = "project"
)

// DefaultMaxRetries is the dispatch attempt ceiling applied to new actions.
const DefaultMaxRetries = 3

// Action is a queued mutation intent. It exists in the queue from enqueue
// until successful dispatch or until RetryCount reaches MaxRetries.
type Action struct {
	// ID is assigned at enqueue time.
	ID string `json:"id"`

	// Type is the mutation kind: CREATE, UPDATE or DELETE.
	Type ActionType `json:"type"`

	// Entity names the target domain kind (task, timeEntry, expense,
	// media, project).
	Entity string `json:"entity"`

	// EntityID identifies the target record for UPDATE/DELETE.
	// Empty for CREATE.
	EntityID string `json:"entity_id,omitempty"`

	// Data is the opaque mutation payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Timestamp is the enqueue time, used for FIFO ordering.
	Timestamp time.Time `json:"timestamp"`

	// RetryCount is incremented on each failed dispatch.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the ceiling after which the action is abandoned.
	MaxRetries int `json:"max_retries"`
}

// UnmarshalData deserializes the payload into the given type.
func (a *Action) UnmarshalData(v interface{}) error {
	return json.Unmarshal(a.Data, v)
}

// ErrActionNotFound is returned when a queued action does not exist.
var ErrActionNotFound = errors.New("action not found")

// Queue is the durable FIFO-ish mutation queue built on the local store's
// offlineActions partition. Enqueue ordering survives a restart because every
// operation is durable before it returns.
type Queue struct {
	store      store.Store
	maxRetries int
}

// New creates a mutation queue over the given store. maxRetries <= 0 falls
// back to DefaultMaxRetries.
func New(s store.Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{store: s, maxRetries: maxRetries}
}

// Enqueue records a mutation intent and returns it. The action is durable
// before Enqueue returns; a crash before the next sync pass loses nothing.
func (q *Queue) Enqueue(ctx context.Context, typ ActionType, entity, entityID string, data interface{}) (*Action, error) {
	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal action data: %w", err)
		}
		payload = raw
	}

	action := &Action{
		ID:         uuid.New().String(),
		Type:       typ,
		Entity:     entity,
		EntityID:   entityID,
		Data:       payload,
		Timestamp:  time.Now().UTC(),
		RetryCount: 0,
		MaxRetries: q.maxRetries,
	}

	if err := q.store.Put(ctx, store.PartitionActions, action.ID, action); err != nil {
		return nil, fmt.Errorf("persist action: %w", err)
	}

	metrics.ActionsEnqueuedTotal.WithLabelValues(entity, string(typ)).Inc()
	q.updatePendingGauge(ctx)

	logging.Debug().
		Str("action_id", action.ID).
		Str("entity", entity).
		Str("type", string(typ)).
		Msg("action enqueued")
	return action, nil
}

// Drain returns a point-in-time snapshot of all pending actions ordered by
// timestamp ascending. Actions enqueued after the snapshot is taken are left
// for the next pass.
func (q *Queue) Drain(ctx context.Context) ([]*Action, error) {
	var actions []*Action

	err := q.store.GetAll(ctx, store.PartitionActions, func(key string, data []byte) error {
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			logging.Warn().Err(err).Str("action_id", key).Msg("queue: skipping malformed action")
			return nil
		}
		actions = append(actions, &a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Timestamp.Equal(actions[j].Timestamp) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
	return actions, nil
}

// Remove deletes an action from the queue after successful dispatch or
// permanent abandonment.
func (q *Queue) Remove(ctx context.Context, actionID string) error {
	if err := q.store.Delete(ctx, store.PartitionActions, actionID); err != nil {
		return fmt.Errorf("remove action: %w", err)
	}
	q.updatePendingGauge(ctx)
	return nil
}

// UpdateRetry persists a new retry count for a failed action. The original
// timestamp is preserved so the action keeps its position in the next pass's
// ordering.
func (q *Queue) UpdateRetry(ctx context.Context, actionID string, newCount int) error {
	var a Action
	err := q.store.Get(ctx, store.PartitionActions, actionID, &a)
	if errors.Is(err, store.ErrNotFound) {
		return ErrActionNotFound
	}
	if err != nil {
		return fmt.Errorf("load action: %w", err)
	}

	a.RetryCount = newCount
	if err := q.store.Put(ctx, store.PartitionActions, actionID, &a); err != nil {
		return fmt.Errorf("persist retry count: %w", err)
	}
	return nil
}

// PendingCount returns the number of actions waiting to sync.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.Count(ctx, store.PartitionActions)
}

// Clear wipes the queue. Used on logout.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, store.PartitionActions); err != nil {
		return err
	}
	metrics.QueuePendingActions.Set(0)
	return nil
}

func (q *Queue) updatePendingGauge(ctx context.Context) {
	if n, err := q.store.Count(ctx, store.PartitionActions); err == nil {
		metrics.QueuePendingActions.Set(float64(n))
	}
}
