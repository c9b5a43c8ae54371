// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package metrics defines the Prometheus instruments exported by the engine.
// Everything is registered on the default registry and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsEnqueuedTotal counts mutations accepted into the queue.
	ActionsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_actions_enqueued_total",
		Help: "Total number of offline actions enqueued",
	}, []string{"entity", "type"})

	// QueuePendingActions is the current number of pending actions.
	QueuePendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_pending_actions",
		Help: "Current number of pending offline actions",
	})

	// SyncPassesTotal counts completed sync passes.
	SyncPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_sync_passes_total",
		Help: "Total number of completed sync passes",
	})

	// SyncPassesSkippedTotal counts sync attempts skipped because a pass
	// was already in flight or the client was offline.
	SyncPassesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_passes_skipped_total",
		Help: "Total number of sync attempts skipped",
	}, []string{"reason"})

	// SyncPassDuration measures full drain-and-dispatch latency.
	SyncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_sync_pass_duration_seconds",
		Help:    "Sync pass latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// ActionsSyncedTotal counts actions acknowledged by the remote service.
	ActionsSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_actions_synced_total",
		Help: "Total number of actions successfully dispatched",
	}, []string{"entity"})

	// ActionsFailedTotal counts permanently abandoned actions.
	ActionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_actions_failed_total",
		Help: "Total number of actions permanently abandoned",
	}, []string{"entity", "reason"})

	// ActionsDeferredTotal counts dispatch failures retained for a later pass.
	ActionsDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_actions_deferred_total",
		Help: "Total number of dispatch failures deferred to the next pass",
	}, []string{"entity"})

	// ConnectivityOnline is 1 while the connectivity monitor reports online.
	ConnectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_connectivity_online",
		Help: "1 when the client is online, 0 when offline",
	})

	// CacheHitsTotal counts cache reads served from a live entry.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_cache_hits_total",
		Help: "Total number of cache hits",
	})

	// CacheMissesTotal counts cache reads that found nothing usable.
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_cache_misses_total",
		Help: "Total number of cache misses (absent or expired)",
	})

	// CacheEvictionsTotal counts entries removed by expiry or sweep.
	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_cache_evictions_total",
		Help: "Total number of cache entries evicted",
	})

	// CircuitBreakerState exposes the remote client breaker state
	// (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldsync_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// CircuitBreakerTransitions counts breaker state transitions.
	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"name", "from", "to"})

	// StoreGCRunsTotal counts Badger value log GC runs.
	StoreGCRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_store_gc_runs_total",
		Help: "Total number of store value log GC runs",
	})
)
