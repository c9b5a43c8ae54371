// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package main is the entry point for the Fieldsync daemon.
//
// Fieldsync keeps a field crew's mutations durable while the device is
// offline and replays them against the remote platform when
// connectivity returns. It exposes a localhost HTTP API for the UI
// shell plus a WebSocket feed for sync and connectivity events.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 loading (defaults, YAML file, FIELDSYNC_ env)
//  2. Store: Badger-backed durable partitions (queue, mirrors, cache)
//  3. Remote client: rate-limited HTTP client wrapped in a circuit breaker
//  4. Connectivity monitor: periodic reachability probe of the remote API
//  5. Sync engine: single-flight drain of the action queue
//  6. WebSocket hub: real-time updates to connected UI shells
//  7. HTTP server: localhost REST API plus /metrics and /healthz
//
// All long-running components run under a Suture supervisor tree.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (FIELDSYNC_ prefix, e.g. FIELDSYNC_REMOTE_URL)
//   - Config file (config.yaml, or FIELDSYNC_CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Drains in-flight requests (configurable timeout)
//   - Stops the sync engine and closes the store
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldsync/fieldsync/internal/api"
	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/mirror"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/supervisor"
	"github.com/fieldsync/fieldsync/internal/syncer"
	ws "github.com/fieldsync/fieldsync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("remote_url", cfg.Remote.URL).
		Str("store_path", cfg.Store.Path).
		Msg("Starting Fieldsync daemon")

	// Durable store. A broken disk degrades to an in-memory no-op store
	// so the daemon can still serve status and accept configuration.
	s := store.OpenWithFallback(cfg.StoreConfig())
	defer func() {
		if err := s.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	q := queue.New(s, cfg.Sync.MaxRetries)
	mirrors := mirror.New(s)
	dataCache := cache.New(s)

	// Remote client behind a circuit breaker so a flapping backend does
	// not burn the retry budget of every queued action.
	client := remote.NewBreakerClient(remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token))

	monitor := connectivity.New(cfg.ConnectivityConfig())
	syncEngine := syncer.New(q, mirrors, client, monitor, cfg.Sync.Interval)
	eng := engine.New(s, q, mirrors, dataCache, syncEngine, monitor)

	hub := ws.NewHub()
	monitor.OnOnline(func() { hub.BroadcastConnectivity(true) })
	monitor.OnOffline(func() { hub.BroadcastConnectivity(false) })

	// HTTP surface.
	mwCfg := api.DefaultMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = cfg.Server.CORSOrigins
	mwCfg.RateLimitRequests = cfg.Server.RateLimit
	mwCfg.RateLimitDisabled = cfg.Server.RateLimit <= 0
	handler := api.NewRouter(api.NewHandler(eng, hub), api.NewMiddleware(mwCfg)).Setup()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Supervisor tree. sutureslog wants slog, so bridge zerolog through
	// the adapter.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if badgerStore, ok := s.(*store.BadgerStore); ok {
		tree.AddDataService(supervisor.NewStoreGCService(badgerStore, cfg.Store.GCInterval))
	}
	tree.AddDataService(supervisor.NewCacheSweeperService(dataCache, cfg.Cache.SweepInterval))

	tree.AddSyncService(monitor)
	tree.AddSyncService(syncEngine)
	tree.AddSyncService(hub)
	tree.AddSyncService(supervisor.NewEventBridgeService(eng.Events(), hub))

	tree.AddAPIService(supervisor.NewHTTPServerService(addr, handler, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Fieldsync stopped gracefully")
}
