// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxnotify/auth"
	"github.com/absmach/fluxnotify/config"
	"github.com/absmach/fluxnotify/delivery"
	"github.com/absmach/fluxnotify/ratelimit"
	"github.com/absmach/fluxnotify/reconcile"
	"github.com/absmach/fluxnotify/server/health"
	"github.com/absmach/fluxnotify/server/http"
	"github.com/absmach/fluxnotify/server/otel"
	"github.com/absmach/fluxnotify/server/websocket"
	"github.com/absmach/fluxnotify/session"
	"github.com/absmach/fluxnotify/storage"
	"github.com/absmach/fluxnotify/storage/badger"
	"github.com/absmach/fluxnotify/storage/memory"
	otelapi "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	// Defaults are returned unvalidated when no file exists.
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting notification server", "version", "0.1.0", "node_id", cfg.Server.NodeID)
	slog.Info("Configuration loaded",
		"ws_listener", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"http_listener", cfg.Server.HTTPAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:              cfg.Storage.BadgerDir,
			SyncWrites:       cfg.Storage.SyncWrites,
			CompressPayloads: cfg.Storage.CompressPayloads,
			GCInterval:       cfg.Storage.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	var otelShutdown otel.ShutdownFunc
	var (
		deliveryMetrics  delivery.Metrics
		sessionMetrics   session.Metrics
		reconcileMetrics reconcile.Metrics
	)

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), otel.SettingsFrom(cfg.Server))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"traces", cfg.Server.OtelTracesEnabled)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			deliveryMetrics, sessionMetrics, reconcileMetrics = m, m, m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	authenticator, err := auth.NewJWT(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		slog.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	notifications := store.Notifications()
	dispatcher := delivery.NewDispatcher(delivery.Config{
		AckTimeout:        cfg.Delivery.AckTimeout,
		MaxAttempts:       cfg.Delivery.MaxAttempts,
		MaxInflight:       cfg.Delivery.MaxInflight,
		Retention:         cfg.Delivery.Retention,
		RetentionInterval: cfg.Delivery.RetentionInterval,
	}, notifications, logger, deliveryMetrics)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("Failed to start delivery dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	reconciler := reconcile.New(notifications, cfg.Session.SyncLimit, logger, reconcileMetrics)

	var rateLimitManager *ratelimit.Manager
	var connLimiter websocket.ConnLimiter
	var apiLimiter http.Limiter
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(cfg.RateLimit)
		defer rateLimitManager.Stop()
		connLimiter, apiLimiter = rateLimitManager, rateLimitManager

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("poll", cfg.RateLimit.Poll.Enabled),
			slog.Bool("enqueue", cfg.RateLimit.Enqueue.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	sessions := session.NewManager()
	sessionHandler := session.NewHandler(session.Config{
		AuthTimeout:      cfg.Session.AuthTimeout,
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
		SyncLimit:        cfg.Session.SyncLimit,
		SyncGrace:        cfg.Session.SyncGrace,
	}, authenticator, dispatcher, reconciler, sessions, logger, sessionMetrics)

	var wg sync.WaitGroup
	serverErr := make(chan error, 10)

	wsServer := websocket.New(websocket.Config{
		Address:           cfg.Server.WSAddr,
		Path:              cfg.Server.WSPath,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxConnections:    cfg.Server.WSMaxConn,
		MaxMessageSize:    cfg.Session.MaxMessageSize,
		EnableCompression: cfg.Server.WSCompression,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, sessionHandler, connLimiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	var tlsConfig *tls.Config
	if cfg.Server.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	httpServer := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSConfig:       tlsConfig,
		ProducerKey:     cfg.HTTP.ProducerKey,
		PageSize:        cfg.HTTP.PageSize,
		Tracer:          otelapi.Tracer("fluxnotify-api"),
	}, dispatcher, reconciler, authenticator, apiLimiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting HTTP API", "address", cfg.Server.HTTPAddr, "tls", tlsConfig != nil)
		if err := httpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, store, sessions, dispatcher, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Notification server started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Notification server stopped")
}
