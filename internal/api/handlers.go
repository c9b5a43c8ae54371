// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fieldsync/fieldsync/internal/capture"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/syncer"
	ws "github.com/fieldsync/fieldsync/internal/websocket"
)

// This file contains the HTTP handlers for the Fieldsync local API.
// The API is the surface the UI shell talks to: every mutation goes
// through the action queue, every read is served from the local store.
//
// All handlers follow a consistent pattern:
//  1. Parameter parsing and validation
//  2. Engine call with request context
//  3. JSON envelope response

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	engine *engine.Engine
	hub    *ws.Hub
}

// NewHandler creates a Handler over the given engine and WebSocket hub.
func NewHandler(eng *engine.Engine, hub *ws.Hub) *Handler {
	return &Handler{engine: eng, hub: hub}
}

// EnqueueAction queues a mutation for later synchronization.
//
// Method: POST
// Path: /api/v1/actions
//
// Response:
//   - 201: Action queued
//   - 400: Invalid request body
//   - 500: Store failure
func (h *Handler) EnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	action, err := h.engine.Enqueue(r.Context(), queue.ActionType(req.Type), req.Entity, req.EntityID, req.Data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to queue action", err)
		return
	}

	respondJSON(w, http.StatusCreated, action)
}

// ActionsCount returns the number of actions waiting for synchronization.
//
// Method: GET
// Path: /api/v1/actions/count
func (h *Handler) ActionsCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.PendingActionsCount(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to count pending actions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"pending": count})
}

// ForceSync triggers an immediate synchronization pass and waits for it.
//
// Method: POST
// Path: /api/v1/sync
//
// Response:
//   - 200: Pass completed, body carries synced/failed counts
//   - 409: Device offline, or a pass is already running
//   - 500: Pass failed before settling any action
func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ForceSync(r.Context())
	switch {
	case errors.Is(err, syncer.ErrOffline):
		respondError(w, http.StatusConflict, "OFFLINE", "Cannot sync while offline", nil)
		return
	case errors.Is(err, syncer.ErrSyncInFlight):
		respondError(w, http.StatusConflict, "SYNC_IN_FLIGHT", "A sync pass is already running", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "SYNC_ERROR", "Sync pass failed", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Status reports connectivity and queue depth in one call.
//
// Method: GET
// Path: /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.PendingActionsCount(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to count pending actions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.engine.IsOnline(),
		"pending": pending,
	})
}

// OfflineProjects lists locally mirrored projects.
//
// Method: GET
// Path: /api/v1/offline/projects?company_id=
func (h *Handler) OfflineProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.engine.GetOfflineProjects(r.Context(), r.URL.Query().Get("company_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read projects", err)
		return
	}
	if projects == nil {
		projects = []*mirror.Project{}
	}

	respondJSON(w, http.StatusOK, projects)
}

// OfflineTasks lists locally mirrored tasks.
//
// Method: GET
// Path: /api/v1/offline/tasks?project_id=&assigned_to=
func (h *Handler) OfflineTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := h.engine.GetOfflineTasks(r.Context(), q.Get("project_id"), q.Get("assigned_to"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*mirror.Task{}
	}

	respondJSON(w, http.StatusOK, tasks)
}

// OfflineTimeEntries lists locally mirrored time entries.
//
// Method: GET
// Path: /api/v1/offline/time-entries?user_id=&date=
func (h *Handler) OfflineTimeEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.engine.GetOfflineTimeEntries(r.Context(), q.Get("user_id"), q.Get("date"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read time entries", err)
		return
	}
	if entries == nil {
		entries = []*mirror.TimeEntry{}
	}

	respondJSON(w, http.StatusOK, entries)
}

// OfflineMedia lists locally captured media records.
//
// Method: GET
// Path: /api/v1/offline/media?project_id=&task_id=
func (h *Handler) OfflineMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	media, err := h.engine.GetOfflineMedia(r.Context(), q.Get("project_id"), q.Get("task_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read media", err)
		return
	}
	if media == nil {
		media = []*mirror.Media{}
	}

	respondJSON(w, http.StatusOK, media)
}

// LogTimeEntry records a time entry locally and queues it for upload.
//
// Method: POST
// Path: /api/v1/time-entries
//
// Response:
//   - 201: Entry stored, body carries the local ID
//   - 400: Invalid request body
//   - 500: Store failure
func (h *Handler) LogTimeEntry(w http.ResponseWriter, r *http.Request) {
	var req timeEntryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	entry := &mirror.TimeEntry{
		ID:        req.ID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Date:      req.Date,
		Hours:     req.Hours,
		Notes:     req.Notes,
	}
	localID, err := h.engine.LogTimeOffline(r.Context(), entry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to record time entry", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": localID})
}

// StoreMedia accepts a multipart upload and queues the file for sync.
//
// Method: POST
// Path: /api/v1/media
//
// Form fields: file (required), project_id, task_id, category, title.
//
// Response:
//   - 201: Capture stored, body carries the local media ID
//   - 400: Missing file, empty file, or file over the size limit
//   - 500: Store failure
func (h *Handler) StoreMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, capture.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request must be multipart form data", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "MISSING_FILE", "A file part is required", err)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "READ_ERROR", "Failed to read uploaded file", err)
		return
	}

	meta := capture.Metadata{
		ProjectID: r.FormValue("project_id"),
		TaskID:    r.FormValue("task_id"),
		Category:  r.FormValue("category"),
		Title:     r.FormValue("title"),
		FileName:  header.Filename,
		MimeType:  header.Header.Get("Content-Type"),
	}
	mediaID, err := h.engine.StoreMediaOffline(r.Context(), meta, content)
	switch {
	case errors.Is(err, capture.ErrFileTooLarge):
		respondError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "File exceeds the capture size limit", nil)
		return
	case errors.Is(err, capture.ErrEmptyFile):
		respondError(w, http.StatusBadRequest, "EMPTY_FILE", "Uploaded file is empty", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to store media capture", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": mediaID})
}

// CachePut stores a value in the durable TTL cache.
//
// Method: PUT
// Path: /api/v1/cache/{key}
func (h *Handler) CachePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "MISSING_KEY", "Cache key is required", nil)
		return
	}

	var req cachePutRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	ttl := defaultCacheTTLMinutes
	if req.TTLMinutes != nil {
		ttl = *req.TTLMinutes
	}
	if err := h.engine.CacheData(r.Context(), key, req.Data, ttl); err != nil {
		respondError(w, http.StatusInternalServerError, "CACHE_ERROR", "Failed to store cache entry", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"key": key})
}

// CacheGet reads a value from the durable TTL cache.
//
// Method: GET
// Path: /api/v1/cache/{key}
//
// Response:
//   - 200: Hit, body carries the cached value
//   - 404: Key absent or expired
func (h *Handler) CacheGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "MISSING_KEY", "Cache key is required", nil)
		return
	}

	var value interface{}
	found, err := h.engine.GetCachedData(r.Context(), key, &value)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "CACHE_ERROR", "Failed to read cache entry", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "CACHE_MISS", "Cache entry not found or expired", nil)
		return
	}

	respondJSON(w, http.StatusOK, value)
}

// PurgeOfflineData removes every queued action, mirror record, and
// cache entry. Used on logout.
//
// Method: DELETE
// Path: /api/v1/offline
func (h *Handler) PurgeOfflineData(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearOfflineData(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to purge offline data", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"purged": time.Now().UTC().Format(time.RFC3339)})
}

// wsUpgrader checks the Origin header against the configured CORS origins;
// an empty allow-list restricts upgrades to same-origin requests.
func (h *Handler) wsUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// WebSocket upgrades the connection and registers it with the hub.
//
// Method: GET
// Path: /api/v1/ws
func (h *Handler) WebSocket(allowedOrigins []string) http.HandlerFunc {
	upgrader := h.wsUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		if h.hub == nil {
			respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "WebSocket service unavailable", nil)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error().Err(err).Msg("WebSocket upgrade error")
			return
		}

		client := ws.NewClient(h.hub, conn)
		h.hub.Register <- client
		client.Start()
	}
}

// Healthz is the liveness probe.
//
// Method: GET
// Path: /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

const defaultCacheTTLMinutes = 60
