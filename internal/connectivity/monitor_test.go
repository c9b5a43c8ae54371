// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartsOffline(t *testing.T) {
	m := New(Config{ProbeURL: "http://127.0.0.1:1"})
	if m.IsOnline() {
		t.Fatal("monitor must start offline")
	}
}

func TestProbeReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, Timeout: time.Second})
	if !m.Probe(context.Background()) {
		t.Fatal("expected probe against live server to succeed")
	}
	if !m.IsOnline() {
		t.Fatal("expected online flag after successful probe")
	}
}

func TestProbeClientErrorStillOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, Timeout: time.Second})
	if !m.Probe(context.Background()) {
		t.Fatal("4xx proves reachability and must count as online")
	}
}

func TestProbeServerErrorOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, Timeout: time.Second})
	if m.Probe(context.Background()) {
		t.Fatal("5xx must count as offline")
	}
}

func TestProbeUnreachableOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := New(Config{ProbeURL: url, Timeout: 500 * time.Millisecond})
	m.SetOnline(true)
	if m.Probe(context.Background()) {
		t.Fatal("expected probe against closed server to fail")
	}
	if m.IsOnline() {
		t.Fatal("expected offline flag after failed probe")
	}
}

func TestCallbacksFireOnEdgesOnly(t *testing.T) {
	m := New(Config{})

	var onlineCalls, offlineCalls atomic.Int32
	m.OnOnline(func() { onlineCalls.Add(1) })
	m.OnOffline(func() { offlineCalls.Add(1) })

	m.SetOnline(false) // already offline, no edge
	m.SetOnline(true)
	m.SetOnline(true) // no edge
	m.SetOnline(false)
	m.SetOnline(true)

	if got := onlineCalls.Load(); got != 2 {
		t.Fatalf("expected 2 went-online callbacks, got %d", got)
	}
	if got := offlineCalls.Load(); got != 1 {
		t.Fatalf("expected 1 went-offline callback, got %d", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, Interval: 10 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for !m.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("monitor never went online")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
