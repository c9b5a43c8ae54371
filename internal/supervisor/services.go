// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package supervisor provides Suture-based process supervision for
// Fieldsync. This file contains service wrappers adapting long-running
// components to the Suture interface. Each wrapper implements
// Serve(context.Context) error and shuts down cleanly on context
// cancellation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/syncer"
	ws "github.com/fieldsync/fieldsync/internal/websocket"
)

// StoreGCService runs Badger value log garbage collection on a ticker.
type StoreGCService struct {
	store    *store.BadgerStore
	interval time.Duration
}

// NewStoreGCService creates a GC service over the given store.
func NewStoreGCService(s *store.BadgerStore, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &StoreGCService{store: s, interval: interval}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(); err != nil && !errors.Is(err, store.ErrStoreClosed) {
				logging.Warn().Err(err).Msg("Store GC failed")
				continue
			}
			metrics.StoreGCRunsTotal.Inc()
		}
	}
}

func (s *StoreGCService) String() string { return "store-gc" }

// CacheSweeperService purges expired cache entries on a ticker.
type CacheSweeperService struct {
	cache    *cache.Cache
	interval time.Duration
}

// NewCacheSweeperService creates a sweeper over the given cache.
func NewCacheSweeperService(c *cache.Cache, interval time.Duration) *CacheSweeperService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CacheSweeperService{cache: c, interval: interval}
}

// Serve implements suture.Service.
func (s *CacheSweeperService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			evicted, err := s.cache.SweepExpired(ctx)
			if err != nil {
				logging.Warn().Err(err).Msg("Cache sweep failed")
				continue
			}
			if evicted > 0 {
				logging.Debug().Int("evicted", evicted).Msg("Cache sweep completed")
			}
		}
	}
}

func (s *CacheSweeperService) String() string { return "cache-sweeper" }

// HTTPServerService runs the local API server with graceful shutdown.
type HTTPServerService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps an http.Server as a Suture service.
func NewHTTPServerService(addr string, handler http.Handler, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service. ListenAndServe runs until the context
// is canceled, then the server drains in-flight requests.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

func (s *HTTPServerService) String() string { return "http-server" }

// EventBridgeService forwards sync pass completions from the engine to
// the WebSocket hub so connected UI shells refresh immediately.
type EventBridgeService struct {
	events <-chan syncer.Result
	hub    *ws.Hub
}

// NewEventBridgeService creates a bridge from the given event stream to
// the hub.
func NewEventBridgeService(events <-chan syncer.Result, hub *ws.Hub) *EventBridgeService {
	return &EventBridgeService{events: events, hub: hub}
}

// Serve implements suture.Service.
func (s *EventBridgeService) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-s.events:
			if !ok {
				return nil
			}
			s.hub.BroadcastSyncCompleted(result.SyncedCount, result.FailedCount, result.DeferredCount)
		}
	}
}

func (s *EventBridgeService) String() string { return "event-bridge" }
