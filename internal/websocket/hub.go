// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

// Package websocket pushes engine events to connected UI shells:
// sync completions for "your changes are saved" banners and
// connectivity transitions for the offline indicator.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/logging"
)

// Message types for WebSocket communication
const (
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeSyncCompleted = "sync_completed"
	MessageTypeSyncProgress  = "sync_progress"
	MessageTypeConnectivity  = "connectivity"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub until the context is canceled. Lifecycle events
// take priority over broadcasts so client state is consistent before
// any message is delivered.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown() {
	count := h.GetClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", count).
		Msg("websocket hub stopped")
}

// broadcastToClients delivers a message to every connected client in
// client-ID order. A client with a full send buffer is dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
}

// closeAllClients closes every connection in ID order during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SyncCompletedData is the payload of a sync_completed message. Failed
// means abandoned for good; deferred actions retry on a later pass.
type SyncCompletedData struct {
	Timestamp     string `json:"timestamp"`
	SyncedCount   int    `json:"synced_count"`
	FailedCount   int    `json:"failed_count"`
	DeferredCount int    `json:"deferred_count"`
}

// BroadcastSyncCompleted notifies all clients that a sync pass finished.
func (h *Hub) BroadcastSyncCompleted(syncedCount, failedCount, deferredCount int) {
	data := SyncCompletedData{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SyncedCount:   syncedCount,
		FailedCount:   failedCount,
		DeferredCount: deferredCount,
	}

	message := Message{
		Type: MessageTypeSyncCompleted,
		Data: data,
	}

	select {
	case h.broadcast <- message:
		logging.Debug().Int("clients", h.GetClientCount()).Int("synced", syncedCount).Msg("broadcast sync_completed")
	default:
		logging.Warn().Msg("broadcast channel full, dropping sync_completed message")
	}
}

// ConnectivityData is the payload of a connectivity message.
type ConnectivityData struct {
	Timestamp string `json:"timestamp"`
	Online    bool   `json:"online"`
}

// BroadcastConnectivity notifies all clients of an online/offline transition.
func (h *Hub) BroadcastConnectivity(online bool) {
	data := ConnectivityData{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Online:    online,
	}

	message := Message{
		Type: MessageTypeConnectivity,
		Data: data,
	}

	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Msg("broadcast channel full, dropping connectivity message")
	}
}

// BroadcastJSON sends an arbitrary typed message to all clients.
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	message := Message{
		Type: messageType,
		Data: data,
	}

	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping JSON message")
	}
}
