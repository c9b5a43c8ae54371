// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package api

// enqueueRequest is the body of POST /api/v1/actions.
type enqueueRequest struct {
	Type     string      `json:"type" validate:"required,oneof=CREATE UPDATE DELETE"`
	Entity   string      `json:"entity" validate:"required,oneof=task timeEntry expense media project"`
	EntityID string      `json:"entity_id" validate:"omitempty,max=128"`
	Data     interface{} `json:"data" validate:"required"`
}

// timeEntryRequest is the body of POST /api/v1/time-entries.
type timeEntryRequest struct {
	ID        string  `json:"id" validate:"omitempty,max=128"`
	UserID    string  `json:"user_id" validate:"required,max=128"`
	ProjectID string  `json:"project_id" validate:"omitempty,max=128"`
	TaskID    string  `json:"task_id" validate:"omitempty,max=128"`
	Date      string  `json:"date" validate:"required,datetime=2006-01-02"`
	Hours     float64 `json:"hours" validate:"required,gt=0,lte=24"`
	Notes     string  `json:"notes" validate:"omitempty,max=4096"`
}

// cachePutRequest is the body of PUT /api/v1/cache/{key}. TTLMinutes
// is a pointer so an explicit 0 (write already expired) is
// distinguishable from an absent field (use the default).
type cachePutRequest struct {
	Data       interface{} `json:"data" validate:"required"`
	TTLMinutes *int        `json:"ttl_minutes" validate:"omitempty,gte=0,lte=10080"`
}
