// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package websocket

import (
	"context"
	"testing"
	"time"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return h, cancel
}

func registerClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := NewClient(h, nil)
	h.Register <- c

	deadline := time.After(2 * time.Second)
	for h.GetClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(time.Millisecond):
		}
	}
	return c
}

func TestRegisterUnregister(t *testing.T) {
	h, _ := runHub(t)

	c := registerClient(t, h)
	if got := h.GetClientCount(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}

	h.Unregister <- c
	deadline := time.After(2 * time.Second)
	for h.GetClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client never unregistered")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBroadcastSyncCompletedReachesClient(t *testing.T) {
	h, _ := runHub(t)
	c := registerClient(t, h)

	h.BroadcastSyncCompleted(3, 1, 2)

	select {
	case msg := <-c.send:
		if msg.Type != MessageTypeSyncCompleted {
			t.Fatalf("expected sync_completed, got %q", msg.Type)
		}
		data, ok := msg.Data.(SyncCompletedData)
		if !ok {
			t.Fatalf("unexpected data type %T", msg.Data)
		}
		if data.SyncedCount != 3 || data.FailedCount != 1 || data.DeferredCount != 2 {
			t.Fatalf("unexpected payload: %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}
}

func TestBroadcastConnectivity(t *testing.T) {
	h, _ := runHub(t)
	c := registerClient(t, h)

	h.BroadcastConnectivity(false)

	select {
	case msg := <-c.send:
		if msg.Type != MessageTypeConnectivity {
			t.Fatalf("expected connectivity, got %q", msg.Type)
		}
		data := msg.Data.(ConnectivityData)
		if data.Online {
			t.Fatal("expected offline payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h, cancel := runHub(t)
	c := registerClient(t, h)

	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected closed send channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
}
