// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxnotify/auth"
	"github.com/absmach/fluxnotify/protocol"
	"github.com/absmach/fluxnotify/reconcile"
	"github.com/absmach/fluxnotify/storage"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultPageSize = 100
	maxBodySize     = 256 * 1024
)

// Enqueuer accepts producer notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipientID string, typ storage.Type, payload json.RawMessage) (*storage.Notification, error)
}

// Reconciler serves catch-up queries and read receipts.
type Reconciler interface {
	ListSince(ctx context.Context, source, recipientID string, afterID uint64, limit int) (storage.Page, error)
	MarkRead(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error)
}

// Limiter throttles per-recipient requests.
type Limiter interface {
	AllowPoll(recipientID string) bool
	AllowEnqueue(recipientID string) bool
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	// ProducerKey, when set, must be sent as X-API-Key on enqueue.
	ProducerKey string
	// PageSize is the default and maximum poll page size.
	PageSize int
	// Tracer records enqueue and list spans; nil disables tracing.
	Tracer trace.Tracer
}

type Server struct {
	config     Config
	enqueuer   Enqueuer
	reconciler Reconciler
	auth       auth.Authenticator
	limiter    Limiter
	validate   *validator.Validate
	logger     *slog.Logger
	server     *http.Server
}

// New creates the notification HTTP API. limiter may be nil.
func New(cfg Config, e Enqueuer, r Reconciler, a auth.Authenticator, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	s := &Server{
		config:     cfg,
		enqueuer:   e,
		reconciler: r,
		auth:       a,
		limiter:    limiter,
		validate:   validator.New(),
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/notifications", s.handleEnqueue)
	mux.HandleFunc("GET /v1/notifications", s.handleList)
	mux.HandleFunc("POST /v1/notifications/{id}/read", s.handleMarkRead)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

type enqueueRequest struct {
	RecipientID string          `json:"recipientId" validate:"required,max=256"`
	Type        string          `json:"type" validate:"required,oneof=new_order status_update generic"`
	Payload     json.RawMessage `json:"payload"`
}

type enqueueResponse struct {
	ID uint64 `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.producerAllowed(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.logger.Warn("http_enqueue_invalid_request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if s.limiter != nil && !s.limiter.AllowEnqueue(req.RecipientID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, span := s.config.Tracer.Start(r.Context(), "notifications.enqueue",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("notify.recipient_id", req.RecipientID),
			attribute.String("notify.type", req.Type),
		))
	defer span.End()

	n, err := s.enqueuer.Enqueue(ctx, req.RecipientID, storage.Type(req.Type), req.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
	}
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("notify.id", int64(n.ID)))
	case errors.Is(err, storage.ErrInvalidPayload), errors.Is(err, storage.ErrInvalidType), errors.Is(err, storage.ErrEmptyRecipient):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("http_enqueue_failed",
			slog.String("recipient_id", req.RecipientID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	s.logger.Debug("http_enqueue",
		slog.String("recipient_id", req.RecipientID),
		slog.Uint64("id", n.ID),
		slog.String("type", req.Type))

	writeJSON(w, http.StatusCreated, enqueueResponse{ID: n.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.limiter != nil && !s.limiter.AllowPoll(recipientID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	q := r.URL.Query()
	var afterID uint64
	if v := q.Get("after"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		afterID = id
	}

	limit := s.config.PageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.config.PageSize)
	}

	ctx, span := s.config.Tracer.Start(r.Context(), "notifications.list",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("notify.recipient_id", recipientID),
			attribute.Int64("notify.after_id", int64(afterID)),
		))
	defer span.End()

	page, err := s.reconciler.ListSince(ctx, reconcile.SourceHTTP, recipientID, afterID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		s.logger.Error("http_list_failed",
			slog.String("recipient_id", recipientID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	span.SetAttributes(
		attribute.Int("notify.returned", len(page.Notifications)),
		attribute.Bool("notify.has_more", page.HasMore))

	res, err := protocol.NewSyncResult(page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	n, err := s.reconciler.MarkRead(r.Context(), recipientID, id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
		return
	default:
		s.logger.Error("http_mark_read_failed",
			slog.String("recipient_id", recipientID),
			slog.Uint64("id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}

	writeJSON(w, http.StatusOK, protocol.FromStorage(n))
}

func (s *Server) producerAllowed(r *http.Request) bool {
	if s.config.ProducerKey == "" {
		return true
	}
	key := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.ProducerKey)) == 1
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}

	recipientID, err := s.auth.Authenticate(r.Context(), parts[1])
	if err != nil {
		s.logger.Debug("http_auth_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return recipientID, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
