// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

// Session errors.
var (
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrSessionClosed    = errors.New("session closed")
	ErrAuthRequired     = errors.New("first frame must authenticate")
)
