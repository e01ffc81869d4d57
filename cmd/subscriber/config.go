// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FLUXNOTIFY"

// Config holds the subscriber settings.
type Config struct {
	RecipientID string          `mapstructure:"recipient_id"`
	CursorDB    string          `mapstructure:"cursor_db"`
	Server      ServerConfig    `mapstructure:"server"`
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
	Heartbeat   HeartbeatConfig `mapstructure:"heartbeat"`
	Poll        PollConfig      `mapstructure:"poll"`
	Log         LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`
}

type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PollConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaultConfigPath returns ~/.config/fluxnotify/subscriber.yaml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "subscriber.yaml")
	}
	return filepath.Join(home, ".config", "fluxnotify", "subscriber.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recipient_id", "")
	v.SetDefault("cursor_db", "fluxnotify-cursor.db")
	v.SetDefault("server.ws_url", "ws://localhost:8083/ws")
	v.SetDefault("server.api_url", "http://localhost:8080")
	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.base", time.Second)
	v.SetDefault("reconnect.max", time.Minute)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 75*time.Second)
	v.SetDefault("poll.delay", 5*time.Second)
	v.SetDefault("poll.interval", 2*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads path (missing file = defaults) and applies FLUXNOTIFY_*
// environment overrides, e.g. FLUXNOTIFY_SERVER_WS_URL.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.RecipientID == "" {
		return nil, errors.New("recipient_id is required")
	}
	return &cfg, nil
}
