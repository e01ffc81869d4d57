// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoURL            = errors.New("no server URL configured")
	ErrInvalidURL       = errors.New("invalid server URL")
	ErrEmptyRecipientID = errors.New("recipient ID cannot be empty")
	ErrInvalidBackoff   = errors.New("reconnect base must be positive and not above the cap")
	ErrInvalidHeartbeat = errors.New("heartbeat timeout must exceed the interval")

	// Connection errors.
	ErrAuthFailed        = errors.New("authentication failed")
	ErrConnectFailed     = errors.New("connection failed")
	ErrNotConnected      = errors.New("client not connected")
	ErrClientClosed      = errors.New("client has been closed")
	ErrSessionSuperseded = errors.New("session superseded by another connection")
	ErrConnectionLost    = errors.New("connection lost")

	// Operation errors.
	ErrTimeout      = errors.New("operation timed out")
	ErrSyncRejected = errors.New("sync rejected by server")
	ErrPollFailed   = errors.New("fallback poll failed")
)
