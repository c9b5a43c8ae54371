// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package capture prepares photos and documents taken in the field for
// the offline queue. File content is base64-encoded into the queued
// action payload so a captured file survives restarts exactly like any
// other pending mutation, then decoded again at upload time.
package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fieldsync/fieldsync/internal/remote"
)

// MaxFileSize bounds a single captured file. Payloads live inside the
// durable store, so unbounded attachments would bloat the value log.
const MaxFileSize = 25 << 20 // 25 MiB

// ErrFileTooLarge is returned when a capture exceeds MaxFileSize.
var ErrFileTooLarge = errors.New("captured file exceeds size limit")

// ErrEmptyFile is returned when a capture has no content.
var ErrEmptyFile = errors.New("captured file is empty")

// MediaPayload is the queue-serializable form of a captured file.
type MediaPayload struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id,omitempty"`
	Category  string `json:"category"`
	Title     string `json:"title"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Content   string `json:"content"` // base64-encoded file bytes
}

// Metadata describes a capture independent of its content.
type Metadata struct {
	ProjectID string
	TaskID    string
	Category  string
	Title     string
	FileName  string
	MimeType  string
}

// NewMediaPayload encodes a captured file into its queueable form.
// When meta.MimeType is empty the type is sniffed from the content.
func NewMediaPayload(meta Metadata, content []byte) (*MediaPayload, error) {
	if len(content) == 0 {
		return nil, ErrEmptyFile
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(content), MaxFileSize)
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}

	return &MediaPayload{
		ProjectID: meta.ProjectID,
		TaskID:    meta.TaskID,
		Category:  meta.Category,
		Title:     meta.Title,
		FileName:  sanitizeFileName(meta.FileName),
		MimeType:  mimeType,
		Size:      int64(len(content)),
		Content:   base64.StdEncoding.EncodeToString(content),
	}, nil
}

// Bytes decodes the file content back to raw bytes.
func (p *MediaPayload) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media content: %w", err)
	}
	return data, nil
}

// Upload converts the payload into the multipart upload form the
// backend client expects.
func (p *MediaPayload) Upload() (remote.MediaUpload, error) {
	content, err := p.Bytes()
	if err != nil {
		return remote.MediaUpload{}, err
	}
	return remote.MediaUpload{
		ProjectID: p.ProjectID,
		TaskID:    p.TaskID,
		Category:  p.Category,
		Title:     p.Title,
		FileName:  p.FileName,
		MimeType:  p.MimeType,
		Content:   content,
	}, nil
}

// sanitizeFileName strips path components so a crafted name cannot
// escape the upload directory on the backend.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "capture.bin"
	}
	return name
}
