// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrEmptyRecipient = errors.New("recipient id cannot be empty")
	ErrInvalidType    = errors.New("invalid notification type")
	ErrInvalidPayload = errors.New("payload must be valid JSON")
	ErrClosed         = errors.New("store is closed")
)

// Type classifies a notification for client-side routing.
type Type string

// Notification types.
const (
	TypeNewOrder     Type = "new_order"
	TypeStatusUpdate Type = "status_update"
	TypeGeneric      Type = "generic"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeNewOrder, TypeStatusUpdate, TypeGeneric:
		return true
	default:
		return false
	}
}

// DeliveryState is the server-side delivery state of a notification.
type DeliveryState string

// Delivery states.
const (
	StateQueued       DeliveryState = "queued"
	StateSent         DeliveryState = "sent"
	StateAcknowledged DeliveryState = "acknowledged"
	StateExpired      DeliveryState = "expired"
)

// Terminal reports whether no further pushes happen in state s.
func (s DeliveryState) Terminal() bool {
	return s == StateAcknowledged || s == StateExpired
}

// Pending reports whether the notification still awaits delivery.
func (s DeliveryState) Pending() bool {
	return s == StateQueued || s == StateSent
}

// CanTransition reports whether from -> to is an allowed delivery transition.
// Acknowledged is final.
func CanTransition(from, to DeliveryState) bool {
	switch from {
	case StateQueued:
		return to == StateSent || to == StateAcknowledged
	case StateSent:
		return to == StateQueued || to == StateExpired || to == StateAcknowledged
	case StateExpired:
		return to == StateAcknowledged
	default:
		return false
	}
}

// Notification is a single unit of delivery for one recipient.
type Notification struct {
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      time.Time       `json:"sent_at,omitzero"`
	Payload     json.RawMessage `json:"payload"`
	RecipientID string          `json:"recipient_id"`
	Type        Type            `json:"type"`
	State       DeliveryState   `json:"state"`
	ID          uint64          `json:"id"`
	Attempts    int             `json:"attempts"`
	Read        bool            `json:"read"`
}

// Clone returns a deep copy of n.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), n.Payload...)
	}
	return &cp
}

// Validate checks the producer-supplied fields of n.
func (n *Notification) Validate() error {
	if n.RecipientID == "" {
		return ErrEmptyRecipient
	}
	if !n.Type.Valid() {
		return ErrInvalidType
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// Page is a slice of a recipient's notification log.
type Page struct {
	Notifications []*Notification
	HasMore       bool
}

// NotificationStore persists per-recipient notification logs.
//
// IDs are assigned by Append, start at 1 for every recipient and are strictly
// increasing. An id is never reused, even after the item is pruned.
type NotificationStore interface {
	// Append assigns the next id for n.RecipientID, stamps CreatedAt,
	// sets the state to queued and persists n. The stored copy is returned.
	Append(ctx context.Context, n *Notification) (*Notification, error)

	// Get returns a single notification.
	Get(ctx context.Context, recipientID string, id uint64) (*Notification, error)

	// Update persists the delivery fields (state, attempts, sent time).
	Update(ctx context.Context, n *Notification) error

	// MarkRead sets the read flag and returns the updated notification.
	MarkRead(ctx context.Context, recipientID string, id uint64) (*Notification, error)

	// ListSince returns notifications with id > afterID in ascending order.
	// limit <= 0 means no limit.
	ListSince(ctx context.Context, recipientID string, afterID uint64, limit int) (Page, error)

	// ListPending returns queued and sent notifications in ascending order.
	// limit <= 0 means no limit.
	ListPending(ctx context.Context, recipientID string, limit int) ([]*Notification, error)

	// Recipients returns the recipients that have pending notifications.
	Recipients(ctx context.Context) ([]string, error)

	// Prune deletes terminal notifications created before the given time and
	// returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Store is the composite storage interface.
type Store interface {
	// Notifications returns the notification log store.
	Notifications() NotificationStore

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error

	// Close closes the storage backend.
	Close() error
}
