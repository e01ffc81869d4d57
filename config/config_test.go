// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.WSAddr != ":8083" {
		t.Errorf("expected default WebSocket addr :8083, got %s", cfg.Server.WSAddr)
	}
	if cfg.Delivery.AckTimeout != 5*time.Second {
		t.Errorf("expected ack timeout 5s, got %v", cfg.Delivery.AckTimeout)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.Retention != 30*24*time.Hour {
		t.Errorf("expected retention 30 days, got %v", cfg.Delivery.Retention)
	}
	if cfg.Session.HeartbeatTimeout != 75*time.Second {
		t.Errorf("expected heartbeat timeout 75s, got %v", cfg.Session.HeartbeatTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	// The signing secret has no default.
	if err := cfg.Validate(); err == nil {
		t.Error("expected default config without secret to be invalid")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config with secret is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no websocket listener",
			modify: func(c *Config) {
				c.Server.WSAddr = ""
			},
			wantErr: true,
		},
		{
			name: "TLS without cert",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
			},
			wantErr: true,
		},
		{
			name: "ack timeout too short",
			modify: func(c *Config) {
				c.Delivery.AckTimeout = 10 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "zero max attempts",
			modify: func(c *Config) {
				c.Delivery.MaxAttempts = 0
			},
			wantErr: true,
		},
		{
			name: "retention disabled",
			modify: func(c *Config) {
				c.Delivery.Retention = 0
				c.Delivery.RetentionInterval = 0
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "memory without dir",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
				c.Storage.BadgerDir = ""
			},
			wantErr: false,
		},
		{
			name: "poll rate limit without rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Poll.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.WSAddr != ":8083" {
		t.Errorf("expected default config, got WebSocket addr %s", cfg.Server.WSAddr)
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("auth:\n  secret: s3cret\ndelivery:\n  ack_timeout: 2s\nstorage:\n  type: memory\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Delivery.AckTimeout != 2*time.Second {
		t.Errorf("expected ack timeout 2s, got %v", cfg.Delivery.AckTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected invalid configuration error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := validConfig()
	cfg.Server.WSAddr = ":9443"
	cfg.Delivery.MaxInflight = 20
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.WSAddr != ":9443" {
		t.Errorf("expected WebSocket addr :9443, got %s", loaded.Server.WSAddr)
	}
	if loaded.Delivery.MaxInflight != 20 {
		t.Errorf("expected max inflight 20, got %d", loaded.Delivery.MaxInflight)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
	if loaded.Auth.Secret != "test-secret" {
		t.Errorf("expected secret to round-trip, got %q", loaded.Auth.Secret)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAuthSecret, "from-env")
	t.Setenv(EnvProducerKey, "producer-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  type: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("expected secret from env, got %q", cfg.Auth.Secret)
	}
	if cfg.HTTP.ProducerKey != "producer-env" {
		t.Errorf("expected producer key from env, got %q", cfg.HTTP.ProducerKey)
	}

	defaults, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := defaults.Validate(); err != nil {
		t.Errorf("defaults with env secret should validate, got %v", err)
	}
}
