// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

/*
client.go - Backend REST API Client

This file implements the REST client the sync engine replays queued
mutations against. Every method maps one (entity, action type) pair
from the dispatch table onto an HTTP call.
*/

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Client defines the backend operations the sync engine can replay.
// Both HTTPClient and BreakerClient implement this interface.
type Client interface {
	Ping(ctx context.Context) error

	CreateTask(ctx context.Context, data json.RawMessage) error
	UpdateTask(ctx context.Context, id string, data json.RawMessage) error
	DeleteTask(ctx context.Context, id string) error

	CreateTimeEntry(ctx context.Context, data json.RawMessage) (string, error)
	UpdateTimeEntry(ctx context.Context, id string, data json.RawMessage) error
	DeleteTimeEntry(ctx context.Context, id string) error

	CreateExpense(ctx context.Context, data json.RawMessage) error
	UpdateExpense(ctx context.Context, id string, data json.RawMessage) error

	UpdateProject(ctx context.Context, id string, data json.RawMessage) error

	UploadMedia(ctx context.Context, upload MediaUpload) (string, error)
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// MediaUpload carries a captured file plus its metadata for multipart upload.
type MediaUpload struct {
	ProjectID string
	TaskID    string
	Category  string
	Title     string
	FileName  string
	MimeType  string
	Content   []byte
}

// StatusError is returned when the backend answers with a non-success
// status. The sync engine uses Permanent to decide between retrying an
// action and failing it outright.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request can ever succeed.
// Client errors are permanent except timeout and throttling responses.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a StatusError that will never
// succeed on retry.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// createResponse is the body shape of backend create endpoints that
// assign server-side identifiers.
type createResponse struct {
	ID string `json:"id"`
}

// HTTPClient provides access to the backend REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a backend API client.
//
// Parameters:
//   - baseURL: backend URL (e.g. https://api.example.com)
//   - token: bearer token attached to every request
func NewHTTPClient(baseURL, token string) *HTTPClient {
	// Normalize URL (remove trailing slash)
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// Replay bursts after reconnect are paced so a long queue
		// does not hammer a backend that just came back.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// doJSON issues a JSON request and checks the response status. The
// returned body is only valid when err is nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, data json.RawMessage) ([]byte, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// Ping verifies connectivity to the backend.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, "/api/v1/ping", nil)
	return err
}

// CreateTask creates a task from its queued payload.
func (c *HTTPClient) CreateTask(ctx context.Context, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks", data)
	return err
}

// UpdateTask applies a queued task update.
func (c *HTTPClient) UpdateTask(ctx context.Context, id string, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/api/v1/tasks/"+id, data)
	return err
}

// DeleteTask removes a task.
func (c *HTTPClient) DeleteTask(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	return err
}

// CreateTimeEntry logs a time entry and returns the server-assigned ID.
func (c *HTTPClient) CreateTimeEntry(ctx context.Context, data json.RawMessage) (string, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/api/v1/time-entries", data)
	if err != nil {
		return "", err
	}

	var created createResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode time entry response: %w", err)
	}
	return created.ID, nil
}

// UpdateTimeEntry applies a queued time entry update.
func (c *HTTPClient) UpdateTimeEntry(ctx context.Context, id string, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/api/v1/time-entries/"+id, data)
	return err
}

// DeleteTimeEntry removes a time entry.
func (c *HTTPClient) DeleteTimeEntry(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/time-entries/"+id, nil)
	return err
}

// CreateExpense submits an expense.
func (c *HTTPClient) CreateExpense(ctx context.Context, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/v1/expenses", data)
	return err
}

// UpdateExpense applies a queued expense update.
func (c *HTTPClient) UpdateExpense(ctx context.Context, id string, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/api/v1/expenses/"+id, data)
	return err
}

// UpdateProject applies a queued project update.
func (c *HTTPClient) UpdateProject(ctx context.Context, id string, data json.RawMessage) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/api/v1/projects/"+id, data)
	return err
}

// UploadMedia sends a captured file as multipart form data and returns
// the server-assigned media ID.
func (c *HTTPClient) UploadMedia(ctx context.Context, upload MediaUpload) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"project_id": upload.ProjectID,
		"task_id":    upload.TaskID,
		"category":   upload.Category,
		"title":      upload.Title,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return "", fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile("file", upload.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(upload.Content); err != nil {
		return "", fmt.Errorf("failed to write file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/media", &buf, writer.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("media upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("media upload: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var created createResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to decode media upload response: %w", err)
	}
	return created.ID, nil
}
