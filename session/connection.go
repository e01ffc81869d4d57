// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"time"
)

// Connection is a message-framed, bidirectional transport.
type Connection interface {
	// ReadFrame blocks until the next complete frame arrives.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one frame. Callers serialize writes.
	WriteFrame(data []byte) error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}
