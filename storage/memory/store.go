// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"

	"github.com/absmach/fluxnotify/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	notifications *NotificationStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		notifications: NewNotificationStore(),
	}
}

// Notifications returns the notification store.
func (s *Store) Notifications() storage.NotificationStore {
	return s.notifications
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
