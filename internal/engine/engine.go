// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package engine composes the store, queue, mirrors, cache, capture
// helpers and sync engine behind the facade the HTTP API exposes to
// the UI shell. All offline-first behavior funnels through here:
// mutations are mirrored optimistically, queued durably, and replayed
// when connectivity allows.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/capture"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/syncer"
)

// Engine is the public facade over the offline subsystems.
type Engine struct {
	store   store.Store
	queue   *queue.Queue
	mirrors *mirror.Mirrors
	cache   *cache.Cache
	syncer  *syncer.Engine
	monitor *connectivity.Monitor
	events  chan syncer.Result
}

// New wires the facade. Sync completions fan out to Events();
// the connectivity went-online edge triggers a sync pass.
func New(s store.Store, q *queue.Queue, m *mirror.Mirrors, c *cache.Cache, sy *syncer.Engine, mon *connectivity.Monitor) *Engine {
	e := &Engine{
		store:   s,
		queue:   q,
		mirrors: m,
		cache:   c,
		syncer:  sy,
		monitor: mon,
		events:  make(chan syncer.Result, 8),
	}

	sy.OnComplete(func(r syncer.Result) {
		select {
		case e.events <- r:
		default:
			// A slow or absent consumer must never stall a sync pass.
		}
	})
	mon.OnOnline(sy.Trigger)

	return e
}

// Enqueue records an offline mutation: optimistic mirror write first,
// then the durable queue entry, then a best-effort sync trigger when
// online. A CREATE with no entity ID gets a local UUID so the mirror
// record and the queued action agree on the key. The queue entry is
// authoritative; if the process dies between the two writes the mirror
// shows optimistic state that never syncs, which the next full refresh
// overwrites.
func (e *Engine) Enqueue(ctx context.Context, typ queue.ActionType, entity, entityID string, data interface{}) (*queue.Action, error) {
	if typ == queue.ActionCreate && entityID == "" {
		entityID = uuid.New().String()
	}
	if typ != queue.ActionDelete {
		e.mirrorOptimistic(ctx, typ, entity, entityID, data)
	}

	action, err := e.queue.Enqueue(ctx, typ, entity, entityID, data)
	if err != nil {
		return nil, err
	}

	if e.monitor.IsOnline() {
		e.syncer.Trigger()
	}
	return action, nil
}

// mirrorOptimistic reflects a queued mutation into the local mirror so
// offline reads include it immediately. Updates are overlaid on the
// stored record, so fields the payload omits keep their values and the
// record stays under its existing index keys. Payloads that do not
// decode into the mirror shape are skipped; the queue entry still
// syncs.
func (e *Engine) mirrorOptimistic(ctx context.Context, typ queue.ActionType, entity, entityID string, data interface{}) {
	var (
		partition string
		target    interface{}
		upsert    func() error
	)
	switch entity {
	case queue.EntityProject:
		p := &mirror.Project{}
		partition, target = store.PartitionProjects, p
		upsert = func() error {
			p.ID = entityID
			p.Synced, p.Offline = false, true
			return e.mirrors.UpsertProject(ctx, p)
		}
	case queue.EntityTask:
		tk := &mirror.Task{}
		partition, target = store.PartitionTasks, tk
		upsert = func() error {
			tk.ID = entityID
			tk.Synced, tk.Offline = false, true
			return e.mirrors.UpsertTask(ctx, tk)
		}
	case queue.EntityTimeEntry:
		te := &mirror.TimeEntry{}
		partition, target = store.PartitionTimeEntries, te
		upsert = func() error {
			te.ID = entityID
			te.Synced, te.Offline = false, true
			return e.mirrors.UpsertTimeEntry(ctx, te)
		}
	case queue.EntityMedia:
		md := &mirror.Media{}
		partition, target = store.PartitionMedia, md
		upsert = func() error {
			md.ID = entityID
			md.Synced, md.Offline = false, true
			return e.mirrors.UpsertMedia(ctx, md)
		}
	default:
		// Expenses and unknown entities have no mirror.
		return
	}

	if typ == queue.ActionUpdate {
		err := e.store.Get(ctx, partition, entityID, target)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.Debug().Err(err).Str("entity", entity).Str("entity_id", entityID).Msg("Skipping optimistic mirror write")
			return
		}
	}

	err := decodeInto(data, target)
	if err == nil {
		err = upsert()
	}
	if err != nil {
		logging.Debug().Err(err).Str("entity", entity).Str("entity_id", entityID).Msg("Skipping optimistic mirror write")
	}
}

// LogTimeOffline records a time entry locally and queues its creation.
// Returns the local ID, which the sync pass rewrites to the
// server-assigned ID once the entry is acknowledged.
func (e *Engine) LogTimeOffline(ctx context.Context, entry *mirror.TimeEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Synced, entry.Offline = false, true
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	if err := e.mirrors.UpsertTimeEntry(ctx, entry); err != nil {
		return "", err
	}
	if _, err := e.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTimeEntry, entry.ID, entry); err != nil {
		return "", err
	}

	if e.monitor.IsOnline() {
		e.syncer.Trigger()
	}
	return entry.ID, nil
}

// StoreMediaOffline captures a file for later upload: the content is
// base64-encoded into the queue payload, a mirror record makes the
// capture visible to offline reads, and a CREATE/media action carries
// it to the backend. Returns the local media ID.
func (e *Engine) StoreMediaOffline(ctx context.Context, meta capture.Metadata, content []byte) (string, error) {
	payload, err := capture.NewMediaPayload(meta, content)
	if err != nil {
		return "", err
	}

	mediaID := uuid.New().String()
	record := &mirror.Media{
		ID:        mediaID,
		ProjectID: payload.ProjectID,
		TaskID:    payload.TaskID,
		Category:  payload.Category,
		Title:     payload.Title,
		FileName:  payload.FileName,
		MimeType:  payload.MimeType,
		Size:      payload.Size,
		UpdatedAt: time.Now().UTC(),
		SyncState: mirror.SyncState{Offline: true},
	}
	if err := e.mirrors.UpsertMedia(ctx, record); err != nil {
		return "", err
	}
	if _, err := e.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityMedia, mediaID, payload); err != nil {
		return "", err
	}

	if e.monitor.IsOnline() {
		e.syncer.Trigger()
	}
	return mediaID, nil
}

// CacheData stores an API response under key with a TTL in minutes.
func (e *Engine) CacheData(ctx context.Context, key string, data interface{}, ttlMinutes int) error {
	return e.cache.Set(ctx, key, data, ttlMinutes)
}

// GetCachedData loads a cached value into out. The boolean reports
// whether a live entry was found.
func (e *Engine) GetCachedData(ctx context.Context, key string, out interface{}) (bool, error) {
	return e.cache.Get(ctx, key, out)
}

// ClearExpiredCache sweeps expired cache entries, returning the count removed.
func (e *Engine) ClearExpiredCache(ctx context.Context) (int, error) {
	return e.cache.SweepExpired(ctx)
}

// GetOfflineProjects lists mirrored projects for a company.
func (e *Engine) GetOfflineProjects(ctx context.Context, companyID string) ([]*mirror.Project, error) {
	return e.mirrors.Projects(ctx, companyID)
}

// GetOfflineTasks lists mirrored tasks filtered by project and/or assignee.
func (e *Engine) GetOfflineTasks(ctx context.Context, projectID, assignedTo string) ([]*mirror.Task, error) {
	return e.mirrors.Tasks(ctx, projectID, assignedTo)
}

// GetOfflineTimeEntries lists mirrored time entries for a user,
// optionally filtered by date (YYYY-MM-DD).
func (e *Engine) GetOfflineTimeEntries(ctx context.Context, userID, date string) ([]*mirror.TimeEntry, error) {
	return e.mirrors.TimeEntries(ctx, userID, date)
}

// GetOfflineMedia lists mirrored media filtered by project and/or task.
func (e *Engine) GetOfflineMedia(ctx context.Context, projectID, taskID string) ([]*mirror.Media, error) {
	return e.mirrors.MediaItems(ctx, projectID, taskID)
}

// IsOnline reports current connectivity.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// PendingActionsCount returns the number of queued actions.
func (e *Engine) PendingActionsCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// ForceSync runs a synchronous sync pass. Returns syncer.ErrOffline
// without connectivity and syncer.ErrSyncInFlight when a pass is
// already running.
func (e *Engine) ForceSync(ctx context.Context) (*syncer.Result, error) {
	return e.syncer.SyncPending(ctx)
}

// ClearOfflineData purges all locally stored state: the pending queue,
// every entity mirror, and the cache. Used on logout.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}
	if err := e.mirrors.Clear(ctx); err != nil {
		return err
	}
	if err := e.cache.Clear(ctx); err != nil {
		return err
	}
	logging.Info().Msg("Offline data cleared")
	return nil
}

// Events returns the sync completion stream. Results are dropped, not
// queued, when no consumer keeps up.
func (e *Engine) Events() <-chan syncer.Result {
	return e.events
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// decodeInto re-marshals an arbitrary payload into a mirror struct.
func decodeInto(data interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
