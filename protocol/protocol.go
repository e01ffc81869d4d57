// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON frames exchanged over the notification
// WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxnotify/storage"
)

// Protocol errors.
var (
	ErrMalformedFrame        = errors.New("malformed frame")
	ErrMalformedNotification = errors.New("malformed notification")
)

// Event names the frame kind.
type Event string

// Frame events.
const (
	EventAuthenticate        Event = "authenticate"
	EventAuthenticated       Event = "authenticated"
	EventAuthenticationError Event = "authentication_error"
	EventNotification        Event = "notification"
	EventAck                 Event = "ack"
	EventPing                Event = "ping"
	EventPong                Event = "pong"
	EventSync                Event = "sync"
	EventSyncResult          Event = "sync_result"
	EventError               Event = "error"
)

// Reasons carried by error frames.
const (
	ReasonAuthRequired   = "authentication required"
	ReasonAuthTimeout    = "authentication timeout"
	ReasonInvalidToken   = "invalid or expired token"
	ReasonSuperseded     = "session superseded"
	ReasonMalformedFrame = "malformed frame"
	ReasonUnsupported    = "unsupported event"
	ReasonAlreadyAuthed  = "already authenticated"
	ReasonInternal       = "internal error"
)

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Event     Event           `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Authenticate carries the session token (client to server).
type Authenticate struct {
	Token string `json:"token"`
}

// Authenticated confirms a successful authentication.
type Authenticated struct {
	Message string `json:"message"`
}

// Error carries a human readable failure reason. Used for both
// authentication_error and error frames.
type Error struct {
	Reason string `json:"reason"`
}

// Notification is the wire form of a pushed or reconciled notification.
type Notification struct {
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
	Type      string          `json:"type"`
	ID        uint64          `json:"id"`
	Read      bool            `json:"read,omitempty"`
}

// Ack acknowledges a notification id.
type Ack struct {
	NotificationID uint64 `json:"notificationId"`
}

// Ping is a heartbeat probe; the pong echoes Timestamp (unix ms).
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// SyncRequest asks for every notification with id > AfterID.
type SyncRequest struct {
	AfterID uint64 `json:"afterId"`
	Limit   int    `json:"limit,omitempty"`
}

// SyncResult answers a SyncRequest in ascending id order.
type SyncResult struct {
	Notifications []json.RawMessage `json:"notifications"`
	HasMore       bool              `json:"hasMore"`
}

// Encode builds a frame. data may be nil.
func Encode(event Event, requestID string, data any) ([]byte, error) {
	f := Frame{Event: event, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", event, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// Decode parses a frame envelope.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return &f, nil
}

// Bind decodes the frame data into v.
func (f *Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", ErrMalformedFrame, f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, f.Event, err)
	}
	return nil
}

// FromStorage converts a stored notification to its wire form.
func FromStorage(n *storage.Notification) Notification {
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Notification{
		ID:        n.ID,
		Type:      string(n.Type),
		Payload:   payload,
		CreatedAt: n.CreatedAt,
		Read:      n.Read,
	}
}

// NewSyncResult encodes a page of stored notifications.
func NewSyncResult(page storage.Page) (SyncResult, error) {
	res := SyncResult{
		Notifications: make([]json.RawMessage, 0, len(page.Notifications)),
		HasMore:       page.HasMore,
	}
	for _, n := range page.Notifications {
		raw, err := json.Marshal(FromStorage(n))
		if err != nil {
			return SyncResult{}, err
		}
		res.Notifications = append(res.Notifications, raw)
	}
	return res, nil
}

// ParseNotification validates a raw notification object. When the object is
// malformed but carries a usable id, the returned Notification has that ID
// set alongside ErrMalformedNotification so the receiver can still ACK it.
func ParseNotification(raw json.RawMessage) (Notification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	var n Notification
	if err := json.Unmarshal(fields["id"], &n.ID); err != nil || n.ID == 0 {
		return Notification{}, fmt.Errorf("%w: missing or invalid id", ErrMalformedNotification)
	}

	if err := json.Unmarshal(fields["type"], &n.Type); err != nil || n.Type == "" {
		return Notification{ID: n.ID}, fmt.Errorf("%w: missing or invalid type", ErrMalformedNotification)
	}

	if ts, ok := fields["createdAt"]; ok {
		if err := json.Unmarshal(ts, &n.CreatedAt); err != nil {
			return Notification{ID: n.ID}, fmt.Errorf("%w: invalid createdAt", ErrMalformedNotification)
		}
	}

	if r, ok := fields["read"]; ok {
		if err := json.Unmarshal(r, &n.Read); err != nil {
			return Notification{ID: n.ID}, fmt.Errorf("%w: invalid read flag", ErrMalformedNotification)
		}
	}

	n.Payload = fields["payload"]
	if len(n.Payload) == 0 {
		n.Payload = json.RawMessage("null")
	}
	return n, nil
}
