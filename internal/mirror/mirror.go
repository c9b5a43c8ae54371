// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package mirror holds the local read replicas of domain collections.
// Mirror records are written optimistically when a mutation is enqueued so
// that UI reads reflect the pending change immediately, and flipped to
// synced once the remote service acknowledges the mutation.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/store"
)

// SyncState carries the two flags every mirror record is tagged with.
// Offline is true while the record exists only locally; Synced flips to true
// once the server has acknowledged the corresponding mutation.
type SyncState struct {
	Synced  bool `json:"synced"`
	Offline bool `json:"offline"`
}

// Project is a local copy of a project record.
type Project struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	Budget    float64   `json:"budget,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncState
}

// Task is a local copy of a task record.
type Task struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Title      string    `json:"title"`
	Status     string    `json:"status,omitempty"`
	DueDate    string    `json:"due_date,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	SyncState
}

// TimeEntry is a local copy of a time entry record.
type TimeEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Date      string    `json:"date"` // YYYY-MM-DD
	Hours     float64   `json:"hours"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncState
}

// Media is a local copy of an attachment's metadata. The binary content
// itself travels inside the queued action payload, not the mirror.
type Media struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Title     string    `json:"title,omitempty"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncState
}

// ErrUnknownEntity is returned when MarkSynced is asked about an entity tag
// that has no mirror partition.
var ErrUnknownEntity = errors.New("unknown mirror entity")

// Mirrors provides the read/write API over all mirror partitions.
type Mirrors struct {
	store store.Store
}

// New creates the mirror layer over the given store.
func New(s store.Store) *Mirrors {
	return &Mirrors{store: s}
}

// UpsertProject writes a project mirror record.
func (m *Mirrors) UpsertProject(ctx context.Context, p *Project) error {
	return m.store.PutIndexed(ctx, store.PartitionProjects, p.ID, p,
		map[string]string{"company_id": p.CompanyID})
}

// UpsertTask writes a task mirror record.
func (m *Mirrors) UpsertTask(ctx context.Context, t *Task) error {
	return m.store.PutIndexed(ctx, store.PartitionTasks, t.ID, t, map[string]string{
		"project_id":  t.ProjectID,
		"assigned_to": t.AssignedTo,
	})
}

// UpsertTimeEntry writes a time entry mirror record.
func (m *Mirrors) UpsertTimeEntry(ctx context.Context, e *TimeEntry) error {
	return m.store.PutIndexed(ctx, store.PartitionTimeEntries, e.ID, e, map[string]string{
		"user_id": e.UserID,
		"date":    e.Date,
	})
}

// UpsertMedia writes a media mirror record.
func (m *Mirrors) UpsertMedia(ctx context.Context, md *Media) error {
	return m.store.PutIndexed(ctx, store.PartitionMedia, md.ID, md, map[string]string{
		"project_id": md.ProjectID,
		"task_id":    md.TaskID,
	})
}

// Projects returns mirrored projects, optionally filtered by company.
func (m *Mirrors) Projects(ctx context.Context, companyID string) ([]*Project, error) {
	var out []*Project
	collect := func(key string, data []byte) error {
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Warn().Err(err).Str("id", key).Msg("mirror: skipping malformed project")
			return nil
		}
		out = append(out, &p)
		return nil
	}

	var err error
	if companyID != "" {
		err = m.store.GetAllByIndex(ctx, store.PartitionProjects, "company_id", companyID, collect)
	} else {
		err = m.store.GetAll(ctx, store.PartitionProjects, collect)
	}
	if err != nil {
		return nil, fmt.Errorf("read projects mirror: %w", err)
	}
	return out, nil
}

// Tasks returns mirrored tasks filtered by project and/or assignee.
func (m *Mirrors) Tasks(ctx context.Context, projectID, assignedTo string) ([]*Task, error) {
	var out []*Task
	collect := func(key string, data []byte) error {
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			logging.Warn().Err(err).Str("id", key).Msg("mirror: skipping malformed task")
			return nil
		}
		if assignedTo != "" && t.AssignedTo != assignedTo {
			return nil
		}
		out = append(out, &t)
		return nil
	}

	var err error
	switch {
	case projectID != "":
		err = m.store.GetAllByIndex(ctx, store.PartitionTasks, "project_id", projectID, collect)
	case assignedTo != "":
		err = m.store.GetAllByIndex(ctx, store.PartitionTasks, "assigned_to", assignedTo, collect)
	default:
		err = m.store.GetAll(ctx, store.PartitionTasks, collect)
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks mirror: %w", err)
	}
	return out, nil
}

// TimeEntries returns mirrored time entries for a user, optionally narrowed
// to a single date (YYYY-MM-DD).
func (m *Mirrors) TimeEntries(ctx context.Context, userID, date string) ([]*TimeEntry, error) {
	var out []*TimeEntry
	collect := func(key string, data []byte) error {
		var e TimeEntry
		if err := json.Unmarshal(data, &e); err != nil {
			logging.Warn().Err(err).Str("id", key).Msg("mirror: skipping malformed time entry")
			return nil
		}
		if date != "" && e.Date != date {
			return nil
		}
		out = append(out, &e)
		return nil
	}

	if err := m.store.GetAllByIndex(ctx, store.PartitionTimeEntries, "user_id", userID, collect); err != nil {
		return nil, fmt.Errorf("read time entries mirror: %w", err)
	}
	return out, nil
}

// MediaItems returns mirrored media filtered by project and/or task.
func (m *Mirrors) MediaItems(ctx context.Context, projectID, taskID string) ([]*Media, error) {
	var out []*Media
	collect := func(key string, data []byte) error {
		var md Media
		if err := json.Unmarshal(data, &md); err != nil {
			logging.Warn().Err(err).Str("id", key).Msg("mirror: skipping malformed media record")
			return nil
		}
		if taskID != "" && md.TaskID != taskID {
			return nil
		}
		out = append(out, &md)
		return nil
	}

	var err error
	switch {
	case projectID != "":
		err = m.store.GetAllByIndex(ctx, store.PartitionMedia, "project_id", projectID, collect)
	case taskID != "":
		err = m.store.GetAllByIndex(ctx, store.PartitionMedia, "task_id", taskID, collect)
	default:
		err = m.store.GetAll(ctx, store.PartitionMedia, collect)
	}
	if err != nil {
		return nil, fmt.Errorf("read media mirror: %w", err)
	}
	return out, nil
}

// MarkSynced flips a mirror record to synced after the server acknowledged
// its mutation. When the server assigned a new identifier, the record is
// rewritten under serverID and the client-keyed copy removed.
//
// The operation is idempotent: a record already rewritten (or never
// mirrored) is a no-op success, so replaying a pass over an empty queue
// leaves mirrors untouched.
func (m *Mirrors) MarkSynced(ctx context.Context, entity, localID, serverID string) error {
	switch entity {
	case "project":
		var p Project
		return m.markSynced(ctx, store.PartitionProjects, localID, serverID, &p,
			func(id string) { p.ID = id; p.Synced = true; p.Offline = false },
			func() error { return m.UpsertProject(ctx, &p) })
	case "task":
		var t Task
		return m.markSynced(ctx, store.PartitionTasks, localID, serverID, &t,
			func(id string) { t.ID = id; t.Synced = true; t.Offline = false },
			func() error { return m.UpsertTask(ctx, &t) })
	case "timeEntry":
		var e TimeEntry
		return m.markSynced(ctx, store.PartitionTimeEntries, localID, serverID, &e,
			func(id string) { e.ID = id; e.Synced = true; e.Offline = false },
			func() error { return m.UpsertTimeEntry(ctx, &e) })
	case "media":
		var md Media
		return m.markSynced(ctx, store.PartitionMedia, localID, serverID, &md,
			func(id string) { md.ID = id; md.Synced = true; md.Offline = false },
			func() error { return m.UpsertMedia(ctx, &md) })
	case "expense":
		// Expenses have no mirror partition; nothing to flip.
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
}

// markSynced implements the shared load/flip/rewrite sequence. apply mutates
// the loaded record with the final id and sync flags; upsert persists it.
func (m *Mirrors) markSynced(ctx context.Context, partition, localID, serverID string, out interface{}, apply func(id string), upsert func() error) error {
	err := m.store.Get(ctx, partition, localID, out)
	if errors.Is(err, store.ErrNotFound) {
		// Already rewritten or never mirrored.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mirror record: %w", err)
	}

	finalID := localID
	if serverID != "" {
		finalID = serverID
	}
	apply(finalID)

	if err := upsert(); err != nil {
		return fmt.Errorf("rewrite mirror record: %w", err)
	}
	if finalID != localID {
		if err := m.store.Delete(ctx, partition, localID); err != nil {
			return fmt.Errorf("remove client-keyed mirror record: %w", err)
		}
	}
	return nil
}

// Clear wipes every mirror partition plus cached user data. Used on logout.
func (m *Mirrors) Clear(ctx context.Context) error {
	for _, partition := range []string{
		store.PartitionProjects,
		store.PartitionTasks,
		store.PartitionTimeEntries,
		store.PartitionMedia,
		store.PartitionUserData,
	} {
		if err := m.store.Clear(ctx, partition); err != nil {
			return fmt.Errorf("clear %s: %w", partition, err)
		}
	}
	return nil
}
