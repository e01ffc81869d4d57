// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reconcile answers cursor-based catch-up queries.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxnotify/storage"
)

// Metrics records reconciliation activity.
type Metrics interface {
	RecordReconciliation(source string, returned int)
}

// Sources of reconciliation queries.
const (
	SourceSocket = "socket"
	SourceHTTP   = "http"
)

// Service serves listSince and read-flag updates.
type Service struct {
	store    storage.NotificationStore
	maxLimit int
	logger   *slog.Logger
	metrics  Metrics
}

// New creates a reconciliation service. maxLimit caps the page size a
// caller may request; 0 means uncapped. metrics may be nil.
func New(store storage.NotificationStore, maxLimit int, logger *slog.Logger, metrics Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		maxLimit: maxLimit,
		logger:   logger,
		metrics:  metrics,
	}
}

// ListSince returns the recipient's notifications with id > afterID in
// ascending order regardless of delivery state. An afterID beyond the
// newest id yields an empty page.
func (s *Service) ListSince(ctx context.Context, source, recipientID string, afterID uint64, limit int) (storage.Page, error) {
	if recipientID == "" {
		return storage.Page{}, storage.ErrEmptyRecipient
	}
	if s.maxLimit > 0 && (limit <= 0 || limit > s.maxLimit) {
		limit = s.maxLimit
	}

	page, err := s.store.ListSince(ctx, recipientID, afterID, limit)
	if err != nil {
		return storage.Page{}, fmt.Errorf("failed to list notifications: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordReconciliation(source, len(page.Notifications))
	}
	s.logger.Debug("reconciliation_served",
		slog.String("recipient_id", recipientID),
		slog.String("source", source),
		slog.Uint64("after_id", afterID),
		slog.Int("returned", len(page.Notifications)),
		slog.Bool("has_more", page.HasMore))

	return page, nil
}

// MarkRead sets the read flag of a notification.
func (s *Service) MarkRead(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error) {
	n, err := s.store.MarkRead(ctx, recipientID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return n, nil
}
