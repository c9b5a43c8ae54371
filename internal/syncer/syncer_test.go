// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package syncer

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/fieldsync/fieldsync/internal/capture"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/store"
)

// fakeClient records dispatched calls and fails on demand.
type fakeClient struct {
	mu       sync.Mutex
	calls    []string
	err      error
	serverID string
	block    chan struct{} // when set, calls wait until closed
}

func (f *fakeClient) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.err
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.record("ping") }
func (f *fakeClient) CreateTask(ctx context.Context, data json.RawMessage) error {
	return f.record("create task")
}
func (f *fakeClient) UpdateTask(ctx context.Context, id string, data json.RawMessage) error {
	return f.record("update task " + id)
}
func (f *fakeClient) DeleteTask(ctx context.Context, id string) error {
	return f.record("delete task " + id)
}
func (f *fakeClient) CreateTimeEntry(ctx context.Context, data json.RawMessage) (string, error) {
	return f.serverID, f.record("create timeEntry")
}
func (f *fakeClient) UpdateTimeEntry(ctx context.Context, id string, data json.RawMessage) error {
	return f.record("update timeEntry " + id)
}
func (f *fakeClient) DeleteTimeEntry(ctx context.Context, id string) error {
	return f.record("delete timeEntry " + id)
}
func (f *fakeClient) CreateExpense(ctx context.Context, data json.RawMessage) error {
	return f.record("create expense")
}
func (f *fakeClient) UpdateExpense(ctx context.Context, id string, data json.RawMessage) error {
	return f.record("update expense " + id)
}
func (f *fakeClient) UpdateProject(ctx context.Context, id string, data json.RawMessage) error {
	return f.record("update project " + id)
}
func (f *fakeClient) UploadMedia(ctx context.Context, upload remote.MediaUpload) (string, error) {
	return f.serverID, f.record("upload media " + upload.FileName)
}

type fakeSource struct{ online bool }

func (f *fakeSource) IsOnline() bool { return f.online }

type fixture struct {
	engine  *Engine
	queue   *queue.Queue
	mirrors *mirror.Mirrors
	client  *fakeClient
	source  *fakeSource
}

func setup(t *testing.T) *fixture {
	t.Helper()
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
	client := &fakeClient{}
	source := &fakeSource{online: true}
	return &fixture{
		engine:  New(q, m, client, source, time.Minute),
		queue:   q,
		mirrors: m,
		client:  client,
		source:  source,
	}
}

func TestSyncPendingOffline(t *testing.T) {
	f := setup(t)
	f.source.online = false

	if _, err := f.engine.SyncPending(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestSuccessRemovesActionAndMarksSynced(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.mirrors.UpsertTask(ctx, &mirror.Task{ID: "t1", ProjectID: "p1", Title: "inspect", SyncState: mirror.SyncState{Offline: true}}); err != nil {
		t.Fatalf("UpsertTask failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionUpdate, queue.EntityTask, "t1", map[string]string{"status": "done"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.SyncedCount != 1 || result.FailedCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	count, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue, got %d pending", count)
	}

	tasks, err := f.mirrors.Tasks(ctx, "p1", "")
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].SyncState.Synced || tasks[0].SyncState.Offline {
		t.Fatalf("expected synced mirror record, got %+v", tasks)
	}
}

func TestTimeEntryCreateRewritesLocalID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.client.serverID = "srv-100"

	if err := f.mirrors.UpsertTimeEntry(ctx, &mirror.TimeEntry{ID: "local-1", UserID: "u1", Date: "2026-08-31", Hours: 8, SyncState: mirror.SyncState{Offline: true}}); err != nil {
		t.Fatalf("UpsertTimeEntry failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTimeEntry, "local-1", map[string]float64{"hours": 8}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := f.engine.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}

	entries, err := f.mirrors.TimeEntries(ctx, "u1", "2026-08-31")
	if err != nil {
		t.Fatalf("TimeEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != "srv-100" {
		t.Fatalf("expected server id srv-100, got %q", entries[0].ID)
	}
}

func TestTransientFailureDefersWithRetryCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.client.err = errors.New("connection reset")

	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.DeferredCount != 1 || result.FailedCount != 0 {
		t.Fatalf("expected 1 deferral and no permanent failure, got %+v", result)
	}

	actions, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected action retained, got %d", len(actions))
	}
	if actions[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", actions[0].RetryCount)
	}
}

func TestRetriesExhaustedRemovesAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.client.err = errors.New("connection reset")

	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Default budget is 3 attempts: deferred, deferred, abandoned.
	var last *Result
	for i := 0; i < queue.DefaultMaxRetries; i++ {
		result, err := f.engine.SyncPending(ctx)
		if err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
		last = result
	}
	if last.FailedCount != 1 || last.DeferredCount != 0 {
		t.Fatalf("expected the final pass to report the abandonment, got %+v", last)
	}

	if got := f.client.callCount(); got != queue.DefaultMaxRetries {
		t.Fatalf("expected exactly %d dispatch attempts, got %d", queue.DefaultMaxRetries, got)
	}

	count, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected exhausted action removed, got %d pending", count)
	}
}

func TestPermanentRejectionAbandonsImmediately(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.client.err = &remote.StatusError{StatusCode: http.StatusUnprocessableEntity, Body: "bad payload"}

	if _, err := f.queue.Enqueue(ctx, queue.ActionUpdate, queue.EntityTask, "t1", map[string]string{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.FailedCount != 1 {
		t.Fatalf("expected 1 failure, got %+v", result)
	}

	count, _ := f.queue.PendingCount(ctx)
	if count != 0 {
		t.Fatal("permanent rejection must not be retried")
	}
	if got := f.client.callCount(); got != 1 {
		t.Fatalf("expected a single dispatch attempt, got %d", got)
	}
}

func TestUnsupportedEntityFailsPermanently(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, "invoice", "i1", map[string]string{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionDelete, queue.EntityProject, "p1", nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.FailedCount != 2 {
		t.Fatalf("expected 2 permanent failures, got %+v", result)
	}

	count, _ := f.queue.PendingCount(ctx)
	if count != 0 {
		t.Fatalf("unsupported actions must be removed, got %d pending", count)
	}
	if got := f.client.callCount(); got != 0 {
		t.Fatalf("unsupported actions must never reach the backend, got %d calls", got)
	}
}

func TestFailureIsolation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// The unsupported entity fails; the two task actions around it
	// must still be dispatched.
	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t1", map[string]string{"title": "a"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, "invoice", "i1", map[string]string{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t2", map[string]string{"title": "b"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.SyncedCount != 2 || result.FailedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMediaUploadDecodesPayload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.client.serverID = "media-5"

	payload, err := capture.NewMediaPayload(capture.Metadata{
		ProjectID: "p1",
		Category:  "site_photo",
		FileName:  "wall.jpg",
		MimeType:  "image/jpeg",
	}, []byte{0xFF, 0xD8})
	if err != nil {
		t.Fatalf("NewMediaPayload failed: %v", err)
	}

	if err := f.mirrors.UpsertMedia(ctx, &mirror.Media{ID: "local-m1", ProjectID: "p1", FileName: "wall.jpg", SyncState: mirror.SyncState{Offline: true}}); err != nil {
		t.Fatalf("UpsertMedia failed: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityMedia, "local-m1", payload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := f.engine.SyncPending(ctx)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if result.SyncedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	items, err := f.mirrors.MediaItems(ctx, "p1", "")
	if err != nil {
		t.Fatalf("MediaItems failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "media-5" {
		t.Fatalf("expected mirror rewritten to media-5, got %+v", items)
	}
}

func TestSingleFlight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	block := make(chan struct{})
	f.client.block = block

	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.engine.SyncPending(ctx)
		done <- err
	}()

	<-started
	// Wait for the pass to reach the blocked dispatch call.
	deadline := time.After(2 * time.Second)
	for f.client.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass never dispatched")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := f.engine.SyncPending(ctx); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	// Guard released; a new pass runs again.
	if _, err := f.engine.SyncPending(ctx); err != nil {
		t.Fatalf("pass after release failed: %v", err)
	}
}

func TestOnCompletePublishesResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var got Result
	f.engine.OnComplete(func(r Result) { got = r })

	if _, err := f.queue.Enqueue(ctx, queue.ActionCreate, queue.EntityTask, "t1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.engine.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}

	if got.SyncedCount != 1 {
		t.Fatalf("expected published result with 1 synced, got %+v", got)
	}
}
