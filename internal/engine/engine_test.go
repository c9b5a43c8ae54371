// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/capture"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/syncer"
)

// setupEngine builds a full facade against the given backend handler.
// The monitor starts offline; tests flip it with SetOnline.
func setupEngine(t *testing.T, backend http.Handler) (*Engine, *connectivity.Monitor) {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "store")
	cfg.SyncWrites = false
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q := queue.New(s, queue.DefaultMaxRetries)
	m := mirror.New(s)
	c := cache.New(s)
	mon := connectivity.New(connectivity.Config{ProbeURL: srv.URL})
	client := remote.NewHTTPClient(srv.URL, "test-token")
	sy := syncer.New(q, m, client, mon, time.Minute)

	return New(s, q, m, c, sy, mon), mon
}

func okBackend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	})
}

func TestOfflineTimeEntryScenario(t *testing.T) {
	e, mon := setupEngine(t, okBackend())
	ctx := context.Background()

	// Offline: log a time entry.
	localID, err := e.LogTimeOffline(ctx, &mirror.TimeEntry{
		UserID: "u1",
		Date:   "2026-08-31",
		Hours:  7.5,
		Notes:  "framing, second floor",
	})
	if err != nil {
		t.Fatalf("LogTimeOffline failed: %v", err)
	}
	if localID == "" {
		t.Fatal("expected a local id")
	}

	// The entry is immediately visible to offline reads, flagged offline.
	entries, err := e.GetOfflineTimeEntries(ctx, "u1", "2026-08-31")
	if err != nil {
		t.Fatalf("GetOfflineTimeEntries failed: %v", err)
	}
	if len(entries) != 1 || !entries[0].Offline || entries[0].Synced {
		t.Fatalf("expected one offline unsynced entry, got %+v", entries)
	}

	pending, err := e.PendingActionsCount(ctx)
	if err != nil {
		t.Fatalf("PendingActionsCount failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending action, got %d", pending)
	}

	// Sync refuses to run offline.
	if _, err := e.ForceSync(ctx); !errors.Is(err, syncer.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	// Back online: the pass drains the queue and rewrites the local ID.
	mon.SetOnline(true)
	result, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.SyncedCount != 1 || result.FailedCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	entries, err = e.GetOfflineTimeEntries(ctx, "u1", "2026-08-31")
	if err != nil {
		t.Fatalf("GetOfflineTimeEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ID != "srv-1" || !entries[0].Synced || entries[0].Offline {
		t.Fatalf("expected synced entry with server id, got %+v", entries[0])
	}

	pending, _ = e.PendingActionsCount(ctx)
	if pending != 0 {
		t.Fatalf("expected drained queue, got %d pending", pending)
	}

	select {
	case r := <-e.Events():
		if r.SyncedCount != 1 {
			t.Fatalf("unexpected event: %+v", r)
		}
	default:
		t.Fatal("expected a completion event")
	}
}

func TestEnqueueMirrorsOptimistically(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	_, err := e.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t-local", map[string]interface{}{
		"project_id": "p1",
		"title":      "hang drywall",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	tasks, err := e.GetOfflineTasks(ctx, "p1", "")
	if err != nil {
		t.Fatalf("GetOfflineTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-local" || !tasks[0].Offline {
		t.Fatalf("expected optimistic mirror record, got %+v", tasks)
	}
}

func TestEnqueuePartialUpdatePreservesMirrorFields(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	_, err := e.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t-local", map[string]interface{}{
		"project_id": "p1",
		"title":      "hang drywall",
		"status":     "open",
	})
	if err != nil {
		t.Fatalf("Enqueue create failed: %v", err)
	}

	// A partial update touches only the status; everything else must survive.
	_, err = e.Enqueue(ctx, queue.ActionUpdate, queue.EntityTask, "t-local", map[string]interface{}{
		"status": "done",
	})
	if err != nil {
		t.Fatalf("Enqueue update failed: %v", err)
	}

	tasks, err := e.GetOfflineTasks(ctx, "p1", "")
	if err != nil {
		t.Fatalf("GetOfflineTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected task still indexed under its project, got %d", len(tasks))
	}
	if tasks[0].Title != "hang drywall" || tasks[0].Status != "done" {
		t.Fatalf("expected merged record, got %+v", tasks[0])
	}
	if !tasks[0].Offline || tasks[0].Synced {
		t.Fatalf("expected pending flags on updated record, got %+v", tasks[0])
	}
}

func TestEnqueueCreateAssignsLocalID(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	first, err := e.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "", map[string]interface{}{
		"project_id": "p1",
		"title":      "rough-in plumbing",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if first.EntityID == "" {
		t.Fatal("expected a generated entity id")
	}

	second, err := e.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "", map[string]interface{}{
		"project_id": "p1",
		"title":      "rough-in electrical",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.EntityID == first.EntityID {
		t.Fatal("expected distinct ids for distinct creates")
	}

	// Both creates must land as separate mirror records.
	tasks, err := e.GetOfflineTasks(ctx, "p1", "")
	if err != nil {
		t.Fatalf("GetOfflineTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 mirrored tasks, got %d", len(tasks))
	}
}

func TestStoreMediaOffline(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	mediaID, err := e.StoreMediaOffline(ctx, capture.Metadata{
		ProjectID: "p1",
		Category:  "site_photo",
		Title:     "slab poured",
		FileName:  "slab.jpg",
		MimeType:  "image/jpeg",
	}, []byte{0xFF, 0xD8, 0xFF})
	if err != nil {
		t.Fatalf("StoreMediaOffline failed: %v", err)
	}

	items, err := e.GetOfflineMedia(ctx, "p1", "")
	if err != nil {
		t.Fatalf("GetOfflineMedia failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != mediaID || items[0].Size != 3 {
		t.Fatalf("expected mirror record for capture, got %+v", items)
	}

	pending, _ := e.PendingActionsCount(ctx)
	if pending != 1 {
		t.Fatalf("expected 1 pending action, got %d", pending)
	}
}

func TestCacheRoundtrip(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	payload := map[string]string{"name": "Riverside build"}
	if err := e.CacheData(ctx, "projects:list", payload, 30); err != nil {
		t.Fatalf("CacheData failed: %v", err)
	}

	var got map[string]string
	found, err := e.GetCachedData(ctx, "projects:list", &got)
	if err != nil {
		t.Fatalf("GetCachedData failed: %v", err)
	}
	if !found || got["name"] != "Riverside build" {
		t.Fatalf("expected cached value, got found=%v %v", found, got)
	}
}

func TestClearOfflineData(t *testing.T) {
	e, _ := setupEngine(t, okBackend())
	ctx := context.Background()

	if _, err := e.LogTimeOffline(ctx, &mirror.TimeEntry{UserID: "u1", Date: "2026-08-30", Hours: 4}); err != nil {
		t.Fatalf("LogTimeOffline failed: %v", err)
	}
	if err := e.CacheData(ctx, "k", "v", 10); err != nil {
		t.Fatalf("CacheData failed: %v", err)
	}

	if err := e.ClearOfflineData(ctx); err != nil {
		t.Fatalf("ClearOfflineData failed: %v", err)
	}

	pending, _ := e.PendingActionsCount(ctx)
	if pending != 0 {
		t.Fatalf("expected empty queue, got %d", pending)
	}
	entries, err := e.GetOfflineTimeEntries(ctx, "u1", "")
	if err != nil {
		t.Fatalf("GetOfflineTimeEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected purged mirrors, got %+v", entries)
	}
	var out string
	if found, _ := e.GetCachedData(ctx, "k", &out); found {
		t.Fatal("expected purged cache")
	}
}
