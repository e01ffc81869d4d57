// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/fluxnotify/storage/memory"
)

type failingStore struct{}

func (failingStore) Ping(ctx context.Context) error {
	return errors.New("disk unavailable")
}

type fixedCount int

func (c fixedCount) Count() int         { return int(c) }
func (c fixedCount) ActiveWorkers() int { return int(c) }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, memory.New(), nil, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, memory.New(), nil, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		store          Pinger
		expectedStatus int
		expectedReason string
	}{
		{
			name:           "store reachable",
			store:          memory.New(),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "store failing",
			store:          failingStore{},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "store unavailable",
		},
		{
			name:           "no store",
			store:          nil,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "store not initialized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			server := New(Config{}, tt.store, nil, nil, logger)

			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if tt.expectedStatus == http.StatusOK && response.Status != "ready" {
				t.Errorf("expected ready status, got %q", response.Status)
			}
			if tt.expectedStatus != http.StatusOK {
				if response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}
				if response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := New(Config{}, memory.New(), fixedCount(3), fixedCount(2), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Sessions != 3 {
		t.Errorf("expected 3 sessions, got %d", response.Sessions)
	}
	if response.ActiveWorkers != 2 {
		t.Errorf("expected 2 active workers, got %d", response.ActiveWorkers)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, memory.New(), nil, nil, slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/stats", handler: server.handleStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]any
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}
