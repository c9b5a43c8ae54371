// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type testRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "store")
	cfg.SyncWrites = false // faster tests without fsync
	return cfg
}

func setupStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	want := testRecord{ID: "t1", ProjectID: "p1", Title: "pour foundation"}
	if err := s.Put(ctx, PartitionTasks, want.ID, &want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got testRecord
	if err := s.Get(ctx, PartitionTasks, "t1", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)

	var got testRecord
	err := s.Get(context.Background(), PartitionTasks, "nope", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPutOverwrite(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := testRecord{ID: "t1", Title: "v1"}
	second := testRecord{ID: "t1", Title: "v2"}

	if err := s.Put(ctx, PartitionTasks, "t1", &first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, PartitionTasks, "t1", &second); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	var got testRecord
	if err := s.Get(ctx, PartitionTasks, "t1", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "v2" {
		t.Errorf("Title = %q, want v2", got.Title)
	}

	count, err := s.Count(ctx, PartitionTasks)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

func TestGetAllByIndex(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	records := []testRecord{
		{ID: "t1", ProjectID: "p1", Title: "a"},
		{ID: "t2", ProjectID: "p1", Title: "b"},
		{ID: "t3", ProjectID: "p2", Title: "c"},
	}
	for i := range records {
		r := &records[i]
		err := s.PutIndexed(ctx, PartitionTasks, r.ID, r, map[string]string{"project_id": r.ProjectID})
		if err != nil {
			t.Fatalf("PutIndexed failed: %v", err)
		}
	}

	var keys []string
	err := s.GetAllByIndex(ctx, PartitionTasks, "project_id", "p1", func(key string, data []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("GetAllByIndex failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d records for p1, want 2 (%v)", len(keys), keys)
	}
}

func TestIndexUpdatedOnReindex(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := testRecord{ID: "t1", ProjectID: "p1"}
	if err := s.PutIndexed(ctx, PartitionTasks, r.ID, &r, map[string]string{"project_id": "p1"}); err != nil {
		t.Fatalf("PutIndexed failed: %v", err)
	}

	// Move the task to another project; the stale index entry must vanish.
	r.ProjectID = "p2"
	if err := s.PutIndexed(ctx, PartitionTasks, r.ID, &r, map[string]string{"project_id": "p2"}); err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	countFor := func(project string) int {
		n := 0
		err := s.GetAllByIndex(ctx, PartitionTasks, "project_id", project, func(string, []byte) error {
			n++
			return nil
		})
		if err != nil {
			t.Fatalf("GetAllByIndex failed: %v", err)
		}
		return n
	}

	if n := countFor("p1"); n != 0 {
		t.Errorf("stale index p1 returned %d records, want 0", n)
	}
	if n := countFor("p2"); n != 1 {
		t.Errorf("index p2 returned %d records, want 1", n)
	}
}

func TestDeleteRemovesIndexes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := testRecord{ID: "t1", ProjectID: "p1"}
	if err := s.PutIndexed(ctx, PartitionTasks, r.ID, &r, map[string]string{"project_id": "p1"}); err != nil {
		t.Fatalf("PutIndexed failed: %v", err)
	}
	if err := s.Delete(ctx, PartitionTasks, "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var got testRecord
	if err := s.Get(ctx, PartitionTasks, "t1", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	n := 0
	err := s.GetAllByIndex(ctx, PartitionTasks, "project_id", "p1", func(string, []byte) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("GetAllByIndex failed: %v", err)
	}
	if n != 0 {
		t.Errorf("index scan after delete returned %d records, want 0", n)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := setupStore(t)
	if err := s.Delete(context.Background(), PartitionTasks, "nope"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
}

func TestClear(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		r := testRecord{ID: id, ProjectID: "p1"}
		if err := s.PutIndexed(ctx, PartitionTasks, id, &r, map[string]string{"project_id": "p1"}); err != nil {
			t.Fatalf("PutIndexed failed: %v", err)
		}
	}
	// A record in another partition must survive the wipe.
	other := testRecord{ID: "x"}
	if err := s.Put(ctx, PartitionProjects, "x", &other); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.Clear(ctx, PartitionTasks); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	count, err := s.Count(ctx, PartitionTasks)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Count after clear = %d, want 0", count)
	}

	var got testRecord
	if err := s.Get(ctx, PartitionProjects, "x", &got); err != nil {
		t.Errorf("other partition lost after clear: %v", err)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	want := testRecord{ID: "t1", Title: "survives"}
	if err := s.Put(ctx, PartitionTasks, "t1", &want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	var got testRecord
	if err := reopened.Get(ctx, PartitionTasks, "t1", &got); err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got != want {
		t.Errorf("Get after reopen = %+v, want %+v", got, want)
	}
}

func TestClosedStore(t *testing.T) {
	s := setupStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Put(context.Background(), PartitionTasks, "t1", &testRecord{}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put on closed store = %v, want ErrStoreClosed", err)
	}
	if s.Available() {
		t.Error("Available() = true on closed store")
	}
}

func TestOpenWithFallbackDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = "" // invalid: forces degraded mode

	s := OpenWithFallback(cfg)
	if s.Available() {
		t.Fatal("expected degraded store")
	}

	ctx := context.Background()
	if err := s.Put(ctx, PartitionTasks, "t1", &testRecord{ID: "t1"}); err != nil {
		t.Errorf("degraded Put = %v, want nil", err)
	}
	var got testRecord
	if err := s.Get(ctx, PartitionTasks, "t1", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("degraded Get = %v, want ErrNotFound", err)
	}
}
