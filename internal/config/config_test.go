// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidateWithRemoteURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Remote.URL = "https://api.example.com"
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with remote URL must validate: %v", err)
	}
	if cfg.Connectivity.ProbeURL != "https://api.example.com/api/v1/ping" {
		t.Fatalf("expected derived probe URL, got %q", cfg.Connectivity.ProbeURL)
	}
}

func TestMissingRemoteURLRejected(t *testing.T) {
	cfg := defaultConfig()

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "remote.url" {
		t.Fatalf("expected remote.url validation error, got %v", err)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
remote:
  url: https://api.example.com
  token: file-token
sync:
  interval: 2m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.Token != "file-token" {
		t.Fatalf("expected token from file, got %q", cfg.Remote.Token)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Fatalf("expected 2m sync interval, got %v", cfg.Sync.Interval)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Server.Port != 8475 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
remote:
  url: https://file.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("FIELDSYNC_REMOTE_URL", "https://env.example.com")
	t.Setenv("FIELDSYNC_SYNC_MAX_RETRIES", "5")
	t.Setenv("FIELDSYNC_SERVER_CORS_ORIGINS", "http://localhost:3000, http://localhost:5173")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.URL != "https://env.example.com" {
		t.Fatalf("expected env to win, got %q", cfg.Remote.URL)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.Sync.MaxRetries)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://localhost:5173" {
		t.Fatalf("expected split CORS origins, got %v", cfg.Server.CORSOrigins)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"FIELDSYNC_REMOTE_URL", "remote.url"},
		{"FIELDSYNC_SYNC_MAX_RETRIES", "sync.max_retries"},
		{"FIELDSYNC_STORE_GC_INTERVAL", "store.gc_interval"},
		{"FIELDSYNC_SERVER_PORT", "server.port"},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad scheme", func(c *Config) { c.Remote.URL = "ftp://x" }, "remote.url"},
		{"tiny sync interval", func(c *Config) { c.Sync.Interval = time.Millisecond }, "sync.interval"},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "sync.max_retries"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Remote.URL = "https://api.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}
