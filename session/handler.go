// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxnotify/auth"
	"github.com/absmach/fluxnotify/delivery"
	"github.com/absmach/fluxnotify/lifecycle"
	"github.com/absmach/fluxnotify/protocol"
	"github.com/absmach/fluxnotify/reconcile"
	"github.com/absmach/fluxnotify/storage"
)

// Defaults.
const (
	DefaultAuthTimeout      = 10 * time.Second
	DefaultHeartbeatTimeout = 75 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultSyncLimit        = 500
	DefaultSyncGrace        = 10 * time.Second
)

// Deliverer binds ready sessions to the delivery pipeline.
type Deliverer interface {
	Attach(recipientID string, conn delivery.Conn) error
	Detach(recipientID, connID string)
	Ack(ctx context.Context, recipientID string, id uint64) error
}

// Reconciler answers catch-up queries.
type Reconciler interface {
	ListSince(ctx context.Context, source, recipientID string, afterID uint64, limit int) (storage.Page, error)
}

// Config holds per-connection protocol settings.
type Config struct {
	// AuthTimeout bounds the wait for the authenticate frame.
	AuthTimeout time.Duration
	// HeartbeatTimeout closes connections silent for longer than this.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	// SyncLimit caps one sync response page.
	SyncLimit int
	// SyncGrace is how long an authenticated session that never sends sync
	// waits before live pushes start.
	SyncGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SyncLimit <= 0 {
		c.SyncLimit = DefaultSyncLimit
	}
	if c.SyncGrace <= 0 {
		c.SyncGrace = DefaultSyncGrace
	}
}

// Handler runs the notification protocol on accepted connections.
type Handler struct {
	cfg        Config
	auth       auth.Authenticator
	deliverer  Deliverer
	reconciler Reconciler
	manager    *Manager
	logger     *slog.Logger
	metrics    Metrics
}

// NewHandler creates a protocol handler. metrics may be nil.
func NewHandler(cfg Config, a auth.Authenticator, d Deliverer, r Reconciler, m *Manager, logger *slog.Logger, metrics Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	cfg.setDefaults()

	return &Handler{
		cfg:        cfg,
		auth:       a,
		deliverer:  d,
		reconciler: r,
		manager:    m,
		logger:     logger,
		metrics:    metrics,
	}
}

// Manager returns the session registry.
func (h *Handler) Manager() *Manager {
	return h.manager
}

// Serve runs the protocol on conn until the connection ends. The first
// frame must authenticate; after that the session handles ACK, ping and
// sync frames. Live pushes start once the first complete sync is answered,
// or after SyncGrace when the client never asks for one.
func (h *Handler) Serve(ctx context.Context, conn Connection) {
	s := newSession(conn, h.cfg.WriteTimeout)
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	defer h.teardown(s)

	if err := h.authenticate(ctx, s); err != nil {
		h.logger.Debug("session_auth_failed",
			slog.String("conn_id", s.ID()),
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()))
		return
	}

	h.logger.Info("session_authenticated",
		slog.String("conn_id", s.ID()),
		slog.String("recipient_id", s.RecipientID()),
		slog.String("remote_addr", remote))

	grace := time.AfterFunc(h.cfg.SyncGrace, func() {
		if !s.syncSeen.Load() {
			h.markReady(s, "sync_grace")
		}
	})
	defer grace.Stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		data, err := conn.ReadFrame()
		if err != nil {
			if s.State() != lifecycle.Closed {
				h.logger.Debug("session_transport_lost",
					slog.String("conn_id", s.ID()),
					slog.String("recipient_id", s.RecipientID()),
					slog.String("error", err.Error()))
			}
			return
		}
		s.touch()
		h.handleFrame(ctx, s, data)
	}
}

func (h *Handler) authenticate(ctx context.Context, s *Session) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout)); err != nil {
		return err
	}

	data, err := s.conn.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			s.sendError(protocol.EventAuthenticationError, "", protocol.ReasonAuthTimeout)
		}
		return err
	}
	s.touch()

	frame, err := protocol.Decode(data)
	if err != nil || frame.Event != protocol.EventAuthenticate {
		h.metrics.RecordAuthFailure()
		s.sendError(protocol.EventAuthenticationError, "", protocol.ReasonAuthRequired)
		return ErrAuthRequired
	}
	if _, err := s.machine.Fire(lifecycle.CredentialsSent); err != nil {
		return err
	}

	var req protocol.Authenticate
	if err := frame.Bind(&req); err != nil {
		return h.reject(s, err)
	}

	recipientID, err := h.auth.Authenticate(ctx, req.Token)
	if err != nil {
		return h.reject(s, err)
	}

	s.recipientID = recipientID
	if _, err := s.machine.Fire(lifecycle.AuthAccepted); err != nil {
		return err
	}

	if old := h.manager.Register(s); old != nil {
		h.metrics.RecordEviction()
		h.logger.Info("session_superseded",
			slog.String("recipient_id", recipientID),
			slog.String("old_conn_id", old.ID()),
			slog.String("new_conn_id", s.ID()))
		old.Close(protocol.ReasonSuperseded)
	}
	h.metrics.RecordConnection()

	return s.send(protocol.EventAuthenticated, "", protocol.Authenticated{Message: "authenticated"})
}

func (h *Handler) reject(s *Session, err error) error {
	h.metrics.RecordAuthFailure()
	s.sendError(protocol.EventAuthenticationError, "", protocol.ReasonInvalidToken)
	s.machine.Fire(lifecycle.AuthRejected)
	return err
}

func (h *Handler) teardown(s *Session) {
	s.closeTransport()

	if s.recipientID == "" {
		return
	}

	s.readyMu.Lock()
	s.detached = true
	s.readyMu.Unlock()

	h.deliverer.Detach(s.recipientID, s.ID())
	h.manager.Unregister(s)
	h.metrics.RecordDisconnection()
	h.logger.Info("session_closed",
		slog.String("conn_id", s.ID()),
		slog.String("recipient_id", s.recipientID),
		slog.Duration("duration", time.Since(s.connectedAt)))
}

func (h *Handler) handleFrame(ctx context.Context, s *Session, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		h.logger.Warn("session_malformed_frame",
			slog.String("conn_id", s.ID()),
			slog.String("error", err.Error()))
		s.sendError(protocol.EventError, "", protocol.ReasonMalformedFrame)
		return
	}

	switch frame.Event {
	case protocol.EventAck:
		h.handleAck(ctx, s, frame)
	case protocol.EventPing:
		h.handlePing(s, frame)
	case protocol.EventSync:
		h.handleSync(ctx, s, frame)
	case protocol.EventAuthenticate:
		s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonAlreadyAuthed)
	default:
		s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonUnsupported)
	}
}

func (h *Handler) handleAck(ctx context.Context, s *Session, frame *protocol.Frame) {
	var ack protocol.Ack
	if err := frame.Bind(&ack); err != nil || ack.NotificationID == 0 {
		s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonMalformedFrame)
		return
	}

	err := h.deliverer.Ack(ctx, s.recipientID, ack.NotificationID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		h.logger.Debug("session_ack_unknown",
			slog.String("recipient_id", s.recipientID),
			slog.Uint64("id", ack.NotificationID))
	default:
		h.logger.Error("session_ack_failed",
			slog.String("recipient_id", s.recipientID),
			slog.Uint64("id", ack.NotificationID),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) handlePing(s *Session, frame *protocol.Frame) {
	var ping protocol.Ping
	if len(frame.Data) > 0 {
		if err := frame.Bind(&ping); err != nil {
			s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonMalformedFrame)
			return
		}
	}
	s.lastPing.Store(time.Now().UnixNano())

	if err := s.send(protocol.EventPong, frame.RequestID, ping); err != nil {
		h.logger.Debug("session_pong_failed",
			slog.String("conn_id", s.ID()),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) handleSync(ctx context.Context, s *Session, frame *protocol.Frame) {
	s.syncSeen.Store(true)

	var req protocol.SyncRequest
	if len(frame.Data) > 0 {
		if err := frame.Bind(&req); err != nil {
			s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonMalformedFrame)
			return
		}
	}

	limit := req.Limit
	if limit <= 0 || limit > h.cfg.SyncLimit {
		limit = h.cfg.SyncLimit
	}

	page, err := h.reconciler.ListSince(ctx, reconcile.SourceSocket, s.recipientID, req.AfterID, limit)
	if err != nil {
		h.logger.Error("session_sync_failed",
			slog.String("recipient_id", s.recipientID),
			slog.Uint64("after_id", req.AfterID),
			slog.String("error", err.Error()))
		s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonInternal)
		return
	}

	res, err := protocol.NewSyncResult(page)
	if err != nil {
		s.sendError(protocol.EventError, frame.RequestID, protocol.ReasonInternal)
		return
	}
	if err := s.send(protocol.EventSyncResult, frame.RequestID, res); err != nil {
		return
	}

	// The client holds everything up to the log head now, so pushes of
	// newer ids cannot overtake unseen older ones.
	if !page.HasMore {
		h.markReady(s, "sync")
	}
}

// markReady attaches s to the delivery pipeline once.
func (h *Handler) markReady(s *Session, trigger string) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.detached || s.ready.Load() {
		return
	}
	s.ready.Store(true)

	if err := h.deliverer.Attach(s.recipientID, s); err != nil {
		h.logger.Error("session_attach_failed",
			slog.String("recipient_id", s.recipientID),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Debug("session_ready",
		slog.String("conn_id", s.ID()),
		slog.String("recipient_id", s.recipientID),
		slog.String("trigger", trigger))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
