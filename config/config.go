// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxnotify/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the notification server.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Session   SessionConfig    `yaml:"session"`
	Auth      AuthConfig       `yaml:"auth"`
	HTTP      HTTPConfig       `yaml:"http"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSMaxConn       int           `yaml:"ws_max_connections"`
	WSCompression   bool          `yaml:"ws_compression"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// DeliveryConfig holds the server-side delivery queue settings.
type DeliveryConfig struct {
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxInflight       int           `yaml:"max_inflight"`
	Retention         time.Duration `yaml:"retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// SessionConfig holds per-connection protocol settings.
type SessionConfig struct {
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SyncLimit        int           `yaml:"sync_limit"`
	SyncGrace        time.Duration `yaml:"sync_grace"`
}

// AuthConfig holds session token validation settings.
type AuthConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	Leeway time.Duration `yaml:"leeway"`
}

// HTTPConfig holds HTTP API settings.
type HTTPConfig struct {
	ProducerKey string `yaml:"producer_key"`
	PageSize    int    `yaml:"page_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir        string        `yaml:"badger_dir"`
	SyncWrites       bool          `yaml:"sync_writes"`
	CompressPayloads bool          `yaml:"compress_payloads"`
	GCInterval       time.Duration `yaml:"gc_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "notifyd-1",
			WSAddr:          ":8083",
			WSPath:          "/ws",
			WSMaxConn:       10000,
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fluxnotify",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Delivery: DeliveryConfig{
			AckTimeout:        5 * time.Second,
			MaxAttempts:       5,
			MaxInflight:       10,
			Retention:         30 * 24 * time.Hour,
			RetentionInterval: time.Hour,
		},
		Session: SessionConfig{
			AuthTimeout:      10 * time.Second,
			HeartbeatTimeout: 75 * time.Second,
			WriteTimeout:     10 * time.Second,
			MaxMessageSize:   64 * 1024,
			SyncLimit:        500,
			SyncGrace:        10 * time.Second,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			PageSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:       "badger",
			BadgerDir:  "/tmp/fluxnotify/data",
			GCInterval: 5 * time.Minute,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Environment variables that override file values. Secrets are usually
// injected this way rather than written to the config file.
const (
	EnvAuthSecret  = "FLUXNOTIFY_AUTH_SECRET"
	EnvProducerKey = "FLUXNOTIFY_PRODUCER_KEY"
)

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default().applyEnv(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default().applyEnv(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() *Config {
	if v := os.Getenv(EnvAuthSecret); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv(EnvProducerKey); v != "" {
		c.HTTP.ProducerKey = v
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSMaxConn < 0 {
		return fmt.Errorf("server.ws_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}

	if c.Delivery.AckTimeout < 100*time.Millisecond {
		return fmt.Errorf("delivery.ack_timeout must be at least 100ms")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.MaxInflight < 1 {
		return fmt.Errorf("delivery.max_inflight must be at least 1")
	}
	if c.Delivery.Retention < 0 {
		return fmt.Errorf("delivery.retention cannot be negative")
	}
	if c.Delivery.Retention > 0 && c.Delivery.RetentionInterval < time.Second {
		return fmt.Errorf("delivery.retention_interval must be at least 1 second")
	}

	if c.Session.AuthTimeout < 100*time.Millisecond {
		return fmt.Errorf("session.auth_timeout must be at least 100ms")
	}
	if c.Session.HeartbeatTimeout < time.Second {
		return fmt.Errorf("session.heartbeat_timeout must be at least 1 second")
	}
	if c.Session.MaxMessageSize < 1024 {
		return fmt.Errorf("session.max_message_size must be at least 1KB")
	}
	if c.Session.SyncLimit < 1 {
		return fmt.Errorf("session.sync_limit must be at least 1")
	}
	if c.Session.SyncGrace < 0 {
		return fmt.Errorf("session.sync_grace cannot be negative")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret cannot be empty")
	}
	if c.HTTP.PageSize < 1 {
		return fmt.Errorf("http.page_size must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection requires a positive rate and burst")
		}
		if c.RateLimit.Poll.Enabled && (c.RateLimit.Poll.Rate <= 0 || c.RateLimit.Poll.Burst < 1) {
			return fmt.Errorf("ratelimit.poll requires a positive rate and burst")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
