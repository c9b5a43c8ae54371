// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package api exposes the local HTTP surface of the sync engine to the
// UI shell. Routing uses the Chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP handler tree for the local API.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates a Router over the given handler and middleware set.
func NewRouter(handler *Handler, mw *Middleware) *Router {
	if mw == nil {
		mw = NewMiddleware(nil)
	}
	return &Router{handler: handler, middleware: mw}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger())
	r.Use(router.middleware.CORS()) // global so OPTIONS preflight is handled

	r.Route("/api/v1", func(r chi.Router) {
		// Queue and sync control
		r.Group(func(r chi.Router) {
			r.Use(router.middleware.RateLimitWrite())
			r.Post("/actions", router.handler.EnqueueAction)
			r.Post("/time-entries", router.handler.LogTimeEntry)
			r.Post("/media", router.handler.StoreMedia)
		})

		r.With(router.middleware.RateLimitSync()).Post("/sync", router.handler.ForceSync)

		// Reads
		r.Group(func(r chi.Router) {
			r.Use(router.middleware.RateLimit())

			r.Get("/actions/count", router.handler.ActionsCount)
			r.Get("/status", router.handler.Status)

			r.Route("/offline", func(r chi.Router) {
				r.Get("/projects", router.handler.OfflineProjects)
				r.Get("/tasks", router.handler.OfflineTasks)
				r.Get("/time-entries", router.handler.OfflineTimeEntries)
				r.Get("/media", router.handler.OfflineMedia)
			})

			r.Put("/cache/{key}", router.handler.CachePut)
			r.Get("/cache/{key}", router.handler.CacheGet)

			r.Get("/ws", router.handler.WebSocket(router.middleware.config.CORSAllowedOrigins))
		})

		// Registered after the /offline sub-route above: chi's Route() binds
		// its mount handler for every method at /offline, which would shadow
		// a DELETE registered earlier.
		r.With(router.middleware.RateLimitWrite()).Delete("/offline", router.handler.PurgeOfflineData)
	})

	// Observability
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", router.handler.Healthz)

	return r
}
