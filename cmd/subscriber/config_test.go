// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FLUXNOTIFY_RECIPIENT_ID", "vendor-1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "vendor-1", cfg.RecipientID)
	assert.Equal(t, "ws://localhost:8083/ws", cfg.Server.WSURL)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, time.Second, cfg.Reconnect.Base)
	assert.Equal(t, time.Minute, cfg.Reconnect.Max)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriber.yaml")
	data := []byte(`recipient_id: vendor-7
server:
  ws_url: wss://notify.example.com/ws
heartbeat:
  interval: 10s
  timeout: 25s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("FLUXNOTIFY_SERVER_API_URL", "https://notify.example.com")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "vendor-7", cfg.RecipientID)
	assert.Equal(t, "wss://notify.example.com/ws", cfg.Server.WSURL)
	assert.Equal(t, "https://notify.example.com", cfg.Server.APIURL)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 25*time.Second, cfg.Heartbeat.Timeout)
}

func TestLoadConfig_RequiresRecipient(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
