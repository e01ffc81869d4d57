// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command subscriber is a reference notification client. It keeps a durable
// cursor in SQLite and logs every notification it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fluxnotify/client"
	"github.com/absmach/fluxnotify/client/sqlite"
	"github.com/absmach/fluxnotify/lifecycle"
	"github.com/absmach/fluxnotify/protocol"
)

func main() {
	configFile := flag.String("config", defaultConfigPath(), "Path to configuration file")
	token := flag.String("token", "", "Session token; stored in the keyring for later runs")
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	tok, err := resolveToken(cfg.RecipientID, *token)
	if err != nil {
		slog.Error("No session token available", "error", err)
		os.Exit(1)
	}

	cursors, err := sqlite.New(cfg.CursorDB)
	if err != nil {
		slog.Error("Failed to open cursor database", "path", cfg.CursorDB, "error", err)
		os.Exit(1)
	}
	defer cursors.Close()

	opts := client.NewOptions().
		SetURL(cfg.Server.WSURL).
		SetAPIURL(cfg.Server.APIURL).
		SetRecipientID(cfg.RecipientID).
		SetAutoReconnect(cfg.Reconnect.Enabled).
		SetReconnectBackoff(cfg.Reconnect.Base, cfg.Reconnect.Max, cfg.Reconnect.MaxAttempts).
		SetHeartbeat(cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout).
		SetPolling(cfg.Poll.Delay, cfg.Poll.Interval).
		SetCursorStore(cursors).
		SetLogger(logger).
		SetOnStateChange(func(from, to lifecycle.State) {
			slog.Info("Connection state changed", "from", from, "to", to)
		}).
		SetOnConnectionLost(func(err error) {
			slog.Warn("Connection lost", "error", err)
		})

	c, err := client.New(opts)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	c.SubscribeAll(func(n protocol.Notification) {
		slog.Info("Notification",
			"id", n.ID,
			"type", n.Type,
			"created_at", n.CreatedAt,
			"payload", string(n.Payload))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = c.Connect(ctx, tok)
	switch {
	case errors.Is(err, client.ErrAuthFailed):
		slog.Error("Session token rejected", "error", err)
		if err := deleteToken(cfg.RecipientID); err != nil {
			slog.Debug("Failed to forget token", "error", err)
		}
		os.Exit(1)
	case err != nil:
		// Retries and the HTTP fallback continue in the background.
		slog.Warn("Initial connect failed", "error", err)
	default:
		slog.Info("Subscribed", "recipient_id", cfg.RecipientID, "cursor", c.Cursor())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	c.Disconnect()
	slog.Info("Subscriber stopped", "cursor", c.Cursor())
}

func newLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// resolveToken prefers the flag, then FLUXNOTIFY_TOKEN, then the keyring.
// A token given on the command line is saved for later runs.
func resolveToken(recipientID, flagToken string) (string, error) {
	if flagToken != "" {
		if err := saveToken(recipientID, flagToken); err != nil {
			slog.Warn("Failed to store session token", "error", err)
		}
		return flagToken, nil
	}
	if tok := os.Getenv(envPrefix + "_TOKEN"); tok != "" {
		return tok, nil
	}
	return loadToken(recipientID)
}
