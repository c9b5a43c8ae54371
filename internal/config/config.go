// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package config loads daemon configuration with layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/store"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fieldsync/config.yaml",
	"/etc/fieldsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "FIELDSYNC_CONFIG_PATH"

// envPrefix is stripped from environment variables before mapping them
// onto config paths: FIELDSYNC_REMOTE_URL -> remote.url.
const envPrefix = "FIELDSYNC_"

// Config is the complete daemon configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Remote       RemoteConfig       `koanf:"remote"`
	Sync         SyncConfig         `koanf:"sync"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Cache        CacheConfig        `koanf:"cache"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig configures the localhost HTTP API for the UI shell.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"` // requests per minute per client, 0 disables
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig configures the durable local store.
type StoreConfig struct {
	Path             string        `koanf:"path"`
	SyncWrites       bool          `koanf:"sync_writes"`
	MemTableSize     int64         `koanf:"mem_table_size"`
	ValueLogFileSize int64         `koanf:"value_log_file_size"`
	NumCompactors    int           `koanf:"num_compactors"`
	GCRatio          float64       `koanf:"gc_ratio"`
	GCInterval       time.Duration `koanf:"gc_interval"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
}

// RemoteConfig configures the backend platform API client.
type RemoteConfig struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Interval   time.Duration `koanf:"interval"`
	MaxRetries int           `koanf:"max_retries"`
}

// ConnectivityConfig configures the online/offline probe.
type ConnectivityConfig struct {
	ProbeURL string        `koanf:"probe_url"` // defaults to <remote.url>/api/v1/ping
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// CacheConfig configures the TTL cache sweeper.
type CacheConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	storeDefaults := store.DefaultConfig()
	probeDefaults := connectivity.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8475,
			CORSOrigins:     []string{"http://localhost:*"},
			RateLimit:       300,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:             storeDefaults.Path,
			SyncWrites:       storeDefaults.SyncWrites,
			MemTableSize:     storeDefaults.MemTableSize,
			ValueLogFileSize: storeDefaults.ValueLogFileSize,
			NumCompactors:    storeDefaults.NumCompactors,
			GCRatio:          storeDefaults.GCRatio,
			GCInterval:       storeDefaults.GCInterval,
			CloseTimeout:     storeDefaults.CloseTimeout,
		},
		Remote: RemoteConfig{
			URL:   "",
			Token: "",
		},
		Sync: SyncConfig{
			Interval:   5 * time.Minute,
			MaxRetries: 3,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL: "",
			Interval: probeDefaults.Interval,
			Timeout:  probeDefaults.Timeout,
		},
		Cache: CacheConfig{
			SweepInterval: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and FIELDSYNC_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyDerived fills settings whose default depends on another setting.
func (c *Config) applyDerived() {
	if c.Connectivity.ProbeURL == "" && c.Remote.URL != "" {
		c.Connectivity.ProbeURL = strings.TrimSuffix(c.Remote.URL, "/") + "/api/v1/ping"
	}
}

// findConfigFile returns the first existing config file path.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated values when
// they arrive through the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated env strings into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names onto config paths.
// The section is the first underscore-delimited token:
//
//	FIELDSYNC_REMOTE_URL            -> remote.url
//	FIELDSYNC_SYNC_MAX_RETRIES      -> sync.max_retries
//	FIELDSYNC_STORE_GC_INTERVAL     -> store.gc_interval
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

// StoreConfig converts to the store package's config type.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Path:             c.Store.Path,
		SyncWrites:       c.Store.SyncWrites,
		MemTableSize:     c.Store.MemTableSize,
		ValueLogFileSize: c.Store.ValueLogFileSize,
		NumCompactors:    c.Store.NumCompactors,
		GCRatio:          c.Store.GCRatio,
		GCInterval:       c.Store.GCInterval,
		CloseTimeout:     c.Store.CloseTimeout,
	}
}

// ConnectivityConfig converts to the connectivity package's config type.
func (c *Config) ConnectivityConfig() connectivity.Config {
	return connectivity.Config{
		ProbeURL: c.Connectivity.ProbeURL,
		Interval: c.Connectivity.Interval,
		Timeout:  c.Connectivity.Timeout,
	}
}

// ValidationError reports an invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if c.Server.RateLimit < 0 {
		return &ValidationError{Field: "server.rate_limit", Message: "must not be negative"}
	}
	if c.Remote.URL == "" {
		return &ValidationError{Field: "remote.url", Message: "backend URL is required"}
	}
	if !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return &ValidationError{Field: "remote.url", Message: "must start with http:// or https://"}
	}
	if c.Sync.Interval < time.Second {
		return &ValidationError{Field: "sync.interval", Message: "must be at least 1s"}
	}
	if c.Sync.MaxRetries < 1 {
		return &ValidationError{Field: "sync.max_retries", Message: "must be at least 1"}
	}
	if c.Connectivity.Interval < time.Second {
		return &ValidationError{Field: "connectivity.interval", Message: "must be at least 1s"}
	}
	if c.Cache.SweepInterval < time.Minute {
		return &ValidationError{Field: "cache.sweep_interval", Message: "must be at least 1m"}
	}

	storeCfg := c.StoreConfig()
	if err := storeCfg.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return &ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	return nil
}
