// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

/*
syncer.go - Queue Replay Engine

This file implements the sync pass: drain a snapshot of the pending
queue in timestamp order, dispatch each action to the backend through
the per-entity handler table, and settle the outcome (remove on
success, count a retry on transient failure, abandon after the retry
budget or on a permanent rejection).

A pass runs on three triggers: the connectivity monitor's went-online
edge, a periodic ticker, and explicit force-sync requests. At most one
pass runs at a time.
*/

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldsync/fieldsync/internal/capture"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/remote"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 5 * time.Minute

var (
	// ErrOffline is returned when a pass is requested without connectivity.
	ErrOffline = errors.New("sync requires connectivity")

	// ErrSyncInFlight is returned when a pass is already running.
	ErrSyncInFlight = errors.New("sync pass already in flight")

	// errUnsupported marks dispatch table misses. Retrying cannot help,
	// so the action fails permanently instead of burning retries.
	errUnsupported = errors.New("unsupported entity or action type")
)

// Result summarizes one sync pass. FailedCount covers only actions
// abandoned for good; actions deferred for another retry are reported
// separately under DeferredCount.
type Result struct {
	SyncedCount   int `json:"synced_count"`
	FailedCount   int `json:"failed_count"`
	DeferredCount int `json:"deferred_count"`
}

// ConnectivitySource reports whether the backend is reachable.
type ConnectivitySource interface {
	IsOnline() bool
}

// entityHandler maps one entity onto its backend calls. A nil slot
// means that action type is not supported for the entity. create
// returns the server-assigned ID when the backend mints one.
type entityHandler struct {
	create func(ctx context.Context, a *queue.Action) (string, error)
	update func(ctx context.Context, a *queue.Action) error
	delete func(ctx context.Context, a *queue.Action) error
}

// Engine replays queued offline mutations against the backend.
type Engine struct {
	queue    *queue.Queue
	mirrors  *mirror.Mirrors
	client   remote.Client
	source   ConnectivitySource
	interval time.Duration
	handlers map[string]entityHandler

	running atomic.Bool
	kick    chan struct{}

	mu         sync.Mutex
	onComplete []func(Result)
}

// New creates a sync engine. interval <= 0 selects DefaultInterval.
func New(q *queue.Queue, mirrors *mirror.Mirrors, client remote.Client, source ConnectivitySource, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}

	e := &Engine{
		queue:    q,
		mirrors:  mirrors,
		client:   client,
		source:   source,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
	e.handlers = e.buildHandlers()
	return e
}

// buildHandlers wires the per-entity dispatch table. Projects are
// top-down entities: field clients update them but never create or
// delete them. Expenses cannot be deleted once submitted.
func (e *Engine) buildHandlers() map[string]entityHandler {
	return map[string]entityHandler{
		queue.EntityTask: {
			create: func(ctx context.Context, a *queue.Action) (string, error) {
				return "", e.client.CreateTask(ctx, a.Data)
			},
			update: func(ctx context.Context, a *queue.Action) error {
				return e.client.UpdateTask(ctx, a.EntityID, a.Data)
			},
			delete: func(ctx context.Context, a *queue.Action) error {
				return e.client.DeleteTask(ctx, a.EntityID)
			},
		},
		queue.EntityTimeEntry: {
			create: func(ctx context.Context, a *queue.Action) (string, error) {
				return e.client.CreateTimeEntry(ctx, a.Data)
			},
			update: func(ctx context.Context, a *queue.Action) error {
				return e.client.UpdateTimeEntry(ctx, a.EntityID, a.Data)
			},
			delete: func(ctx context.Context, a *queue.Action) error {
				return e.client.DeleteTimeEntry(ctx, a.EntityID)
			},
		},
		queue.EntityExpense: {
			create: func(ctx context.Context, a *queue.Action) (string, error) {
				return "", e.client.CreateExpense(ctx, a.Data)
			},
			update: func(ctx context.Context, a *queue.Action) error {
				return e.client.UpdateExpense(ctx, a.EntityID, a.Data)
			},
		},
		queue.EntityProject: {
			update: func(ctx context.Context, a *queue.Action) error {
				return e.client.UpdateProject(ctx, a.EntityID, a.Data)
			},
		},
		queue.EntityMedia: {
			create: func(ctx context.Context, a *queue.Action) (string, error) {
				var payload capture.MediaPayload
				if err := a.UnmarshalData(&payload); err != nil {
					return "", fmt.Errorf("corrupt media payload: %w", err)
				}
				upload, err := payload.Upload()
				if err != nil {
					return "", fmt.Errorf("corrupt media payload: %w", err)
				}
				return e.client.UploadMedia(ctx, upload)
			},
		},
	}
}

// OnComplete registers a callback fired after every completed pass.
func (e *Engine) OnComplete(fn func(Result)) {
	e.mu.Lock()
	e.onComplete = append(e.onComplete, fn)
	e.mu.Unlock()
}

// Trigger requests a sync pass from the Serve loop. Non-blocking; a
// pending request absorbs further triggers.
func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SyncPending runs one sync pass. It returns ErrOffline without
// connectivity and ErrSyncInFlight when a pass is already running;
// the in-flight pass will pick up any newly queued actions on its
// next trigger instead.
func (e *Engine) SyncPending(ctx context.Context) (*Result, error) {
	if !e.source.IsOnline() {
		metrics.SyncPassesSkippedTotal.WithLabelValues("offline").Inc()
		return nil, ErrOffline
	}

	if !e.running.CompareAndSwap(false, true) {
		metrics.SyncPassesSkippedTotal.WithLabelValues("in_flight").Inc()
		return nil, ErrSyncInFlight
	}
	defer e.running.Store(false)

	start := time.Now()

	actions, err := e.queue.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}

	result := &Result{}
	for _, action := range actions {
		e.settle(ctx, action, result)
	}

	metrics.SyncPassesTotal.Inc()
	metrics.SyncPassDuration.Observe(time.Since(start).Seconds())

	logging.Info().
		Int("synced", result.SyncedCount).
		Int("failed", result.FailedCount).
		Int("deferred", result.DeferredCount).
		Dur("duration", time.Since(start)).
		Msg("Sync pass complete")

	e.publish(*result)
	return result, nil
}

// settle dispatches one action and applies the retry policy to its outcome.
func (e *Engine) settle(ctx context.Context, action *queue.Action, result *Result) {
	serverID, err := e.dispatch(ctx, action)
	if err == nil {
		if removeErr := e.queue.Remove(ctx, action.ID); removeErr != nil {
			logging.Error().Err(removeErr).Str("action_id", action.ID).Msg("Failed to remove synced action")
		}
		if markErr := e.mirrors.MarkSynced(ctx, action.Entity, action.EntityID, serverID); markErr != nil {
			logging.Warn().Err(markErr).Str("action_id", action.ID).Str("entity", action.Entity).Msg("Failed to mark mirror record synced")
		}
		metrics.ActionsSyncedTotal.WithLabelValues(action.Entity).Inc()
		result.SyncedCount++
		return
	}

	if errors.Is(err, errUnsupported) || remote.IsPermanent(err) {
		result.FailedCount++
		e.abandon(ctx, action, "permanent", err)
		return
	}

	newCount := action.RetryCount + 1
	if newCount >= action.MaxRetries {
		result.FailedCount++
		e.abandon(ctx, action, "retries_exhausted", err)
		return
	}

	result.DeferredCount++
	if updateErr := e.queue.UpdateRetry(ctx, action.ID, newCount); updateErr != nil {
		logging.Error().Err(updateErr).Str("action_id", action.ID).Msg("Failed to persist retry count")
		return
	}
	metrics.ActionsDeferredTotal.WithLabelValues(action.Entity).Inc()
	logging.Debug().
		Str("action_id", action.ID).
		Str("entity", action.Entity).
		Int("retry_count", newCount).
		Err(err).
		Msg("Action deferred to next pass")
}

// abandon removes an action that will never succeed.
func (e *Engine) abandon(ctx context.Context, action *queue.Action, reason string, cause error) {
	if err := e.queue.Remove(ctx, action.ID); err != nil {
		logging.Error().Err(err).Str("action_id", action.ID).Msg("Failed to remove abandoned action")
	}
	metrics.ActionsFailedTotal.WithLabelValues(action.Entity, reason).Inc()
	logging.Warn().
		Str("action_id", action.ID).
		Str("entity", action.Entity).
		Str("type", string(action.Type)).
		Str("reason", reason).
		Err(cause).
		Msg("Action permanently abandoned")
}

// dispatch routes an action through the handler table.
func (e *Engine) dispatch(ctx context.Context, action *queue.Action) (string, error) {
	handler, ok := e.handlers[action.Entity]
	if !ok {
		return "", fmt.Errorf("%w: entity %q", errUnsupported, action.Entity)
	}

	switch action.Type {
	case queue.ActionCreate:
		if handler.create == nil {
			return "", fmt.Errorf("%w: %s %s", errUnsupported, action.Type, action.Entity)
		}
		return handler.create(ctx, action)
	case queue.ActionUpdate:
		if handler.update == nil {
			return "", fmt.Errorf("%w: %s %s", errUnsupported, action.Type, action.Entity)
		}
		return "", handler.update(ctx, action)
	case queue.ActionDelete:
		if handler.delete == nil {
			return "", fmt.Errorf("%w: %s %s", errUnsupported, action.Type, action.Entity)
		}
		return "", handler.delete(ctx, action)
	default:
		return "", fmt.Errorf("%w: action type %q", errUnsupported, action.Type)
	}
}

func (e *Engine) publish(result Result) {
	e.mu.Lock()
	callbacks := make([]func(Result), len(e.onComplete))
	copy(callbacks, e.onComplete)
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn(result)
	}
}

// Serve implements suture.Service: run a pass on every trigger and on
// the periodic ticker until the context is canceled. Skips and offline
// errors are expected here and not propagated.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			e.runPass(ctx)
		case <-ticker.C:
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if _, err := e.SyncPending(ctx); err != nil {
		if errors.Is(err, ErrOffline) || errors.Is(err, ErrSyncInFlight) {
			return
		}
		logging.Error().Err(err).Msg("Sync pass failed")
	}
}

// String implements fmt.Stringer for supervisor logging.
func (e *Engine) String() string {
	return "sync-engine"
}
