// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package connectivity maintains the online/offline flag driving the sync
// engine. A lightweight HTTP probe against the remote service runs on a
// ticker; transitions fire edge-triggered callbacks (went-online triggers a
// sync pass, went-offline only flips the flag).
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
)

// Config holds connectivity monitor configuration.
type Config struct {
	// ProbeURL is the endpoint probed to decide online/offline.
	// Any 2xx/3xx/4xx response counts as reachable; only transport
	// failures and 5xx mean offline.
	ProbeURL string

	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe request.
	Timeout time.Duration
}

// DefaultConfig returns probe defaults. Probing every 15 seconds keeps the
// went-online edge responsive without meaningful load on the remote.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Monitor observes network state and exposes the current-status flag.
// It starts offline until the first successful probe.
type Monitor struct {
	config Config
	client *http.Client
	online atomic.Bool

	mu        sync.Mutex
	onOnline  []func()
	onOffline []func()
}

// New creates a connectivity monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// IsOnline reports the current connectivity flag.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// OnOnline registers a callback fired on every offline-to-online edge.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnOffline registers a callback fired on every online-to-offline edge.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, fn)
	m.mu.Unlock()
}

// SetOnline applies a connectivity observation. Only edges fire callbacks;
// repeated observations of the same state are no-ops. Exported so tests and
// the API layer can inject state directly.
func (m *Monitor) SetOnline(online bool) {
	previous := m.online.Swap(online)
	if previous == online {
		return
	}

	if online {
		metrics.ConnectivityOnline.Set(1)
		logging.Info().Msg("connectivity restored")
	} else {
		metrics.ConnectivityOnline.Set(0)
		logging.Info().Msg("connectivity lost, queuing mutations locally")
	}

	m.mu.Lock()
	callbacks := m.onOnline
	if !online {
		callbacks = m.onOffline
	}
	snapshot := make([]func(), len(callbacks))
	copy(snapshot, callbacks)
	m.mu.Unlock()

	for _, fn := range snapshot {
		fn()
	}
}

// Probe performs a single connectivity check and applies the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	online := m.probe(ctx)
	m.SetOnline(online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.config.ProbeURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.ProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	// A 4xx still proves the network path works; only server-side
	// failure classes count as unreachable.
	return resp.StatusCode < http.StatusInternalServerError
}

// Serve implements suture.Service: probe immediately, then on the ticker,
// until the context is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (m *Monitor) String() string {
	return fmt.Sprintf("connectivity-monitor(%s)", m.config.ProbeURL)
}
