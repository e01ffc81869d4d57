// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxnotify/lifecycle"
	"github.com/absmach/fluxnotify/protocol"
	"github.com/absmach/fluxnotify/storage"
	"github.com/google/uuid"
)

// Session is the server side of one client connection.
type Session struct {
	id          string
	recipientID string
	conn        Connection
	machine     *lifecycle.Machine

	writeMu      sync.Mutex
	writeTimeout time.Duration

	connectedAt time.Time
	lastSeen    atomic.Int64
	lastPing    atomic.Int64
	ready       atomic.Bool
	syncSeen    atomic.Bool

	// readyMu orders attaching against teardown.
	readyMu  sync.Mutex
	detached bool

	closeOnce sync.Once
}

func newSession(conn Connection, writeTimeout time.Duration) *Session {
	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		machine:      lifecycle.NewMachine(nil),
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
	s.touch()

	// The transport is already open when a session is created.
	s.machine.Fire(lifecycle.Connect)
	s.machine.Fire(lifecycle.TransportUp)
	return s
}

// ID returns the unique connection id.
func (s *Session) ID() string {
	return s.id
}

// RecipientID returns the authenticated recipient, or "" before
// authentication.
func (s *Session) RecipientID() string {
	return s.recipientID
}

// State returns the lifecycle state.
func (s *Session) State() lifecycle.State {
	return s.machine.State()
}

// ConnectedAt returns when the transport was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastSeen returns the time of the last inbound frame.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// LastPing returns the time of the last heartbeat, or zero.
func (s *Session) LastPing() time.Time {
	v := s.lastPing.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Ready reports whether live pushes are enabled.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Push sends a notification frame.
func (s *Session) Push(ctx context.Context, n *storage.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.machine.Is(lifecycle.Authenticated) {
		return ErrNotAuthenticated
	}
	return s.send(protocol.EventNotification, "", protocol.FromStorage(n))
}

func (s *Session) send(event protocol.Event, requestID string, data any) error {
	frame, err := protocol.Encode(event, requestID, data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.machine.Is(lifecycle.Closed) {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteFrame(frame)
}

// sendError writes an error frame; failures are ignored since the
// connection is usually being torn down.
func (s *Session) sendError(event protocol.Event, requestID, reason string) {
	_ = s.send(event, requestID, protocol.Error{Reason: reason})
}

// Close tells the client why and closes the transport.
func (s *Session) Close(reason string) {
	if reason != "" && s.machine.State().Live() {
		s.sendError(protocol.EventError, "", reason)
	}
	s.closeTransport()
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		// Closing first unblocks a writer stuck on a dead peer.
		s.conn.Close()
		s.machine.Fire(lifecycle.TransportLost)
		s.machine.Fire(lifecycle.Close)
	})
}
