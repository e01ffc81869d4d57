// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle models the connection state machine shared by the
// server-side session and the client connection manager.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when an event is not accepted in the
// current state. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// State is a connection lifecycle state.
type State uint8

// Connection states.
const (
	Idle State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	Disconnected
	ReconnectScheduled
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Disconnected:
		return "disconnected"
	case ReconnectScheduled:
		return "reconnect_scheduled"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Live reports whether a transport is open in state s.
func (s State) Live() bool {
	return s == Connected || s == Authenticating || s == Authenticated
}

// Event drives a state transition.
type Event uint8

// Connection events.
const (
	Connect Event = iota
	TransportUp
	CredentialsSent
	AuthAccepted
	AuthRejected
	TransportLost
	ScheduleRetry
	Retry
	Close
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case Connect:
		return "connect"
	case TransportUp:
		return "transport_up"
	case CredentialsSent:
		return "credentials_sent"
	case AuthAccepted:
		return "auth_accepted"
	case AuthRejected:
		return "auth_rejected"
	case TransportLost:
		return "transport_lost"
	case ScheduleRetry:
		return "schedule_retry"
	case Retry:
		return "retry"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Next returns the state reached from s on e, or false if e is not
// accepted in s.
func Next(s State, e Event) (State, bool) {
	switch e {
	case Connect:
		if s == Idle || s == Disconnected || s == Closed {
			return Connecting, true
		}
	case TransportUp:
		if s == Connecting {
			return Connected, true
		}
	case CredentialsSent:
		if s == Connected {
			return Authenticating, true
		}
	case AuthAccepted:
		if s == Authenticating {
			return Authenticated, true
		}
	case AuthRejected:
		if s == Authenticating {
			return Closed, true
		}
	case TransportLost:
		if s == Connecting || s.Live() {
			return Disconnected, true
		}
	case ScheduleRetry:
		if s == Disconnected {
			return ReconnectScheduled, true
		}
	case Retry:
		if s == ReconnectScheduled {
			return Connecting, true
		}
	case Close:
		if s != Closed {
			return Closed, true
		}
	}
	return s, false
}

// Machine is a mutex-guarded lifecycle state.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State, e Event)
}

// NewMachine returns a machine in the Idle state. onChange, if not nil, is
// called after every accepted transition while the machine lock is held;
// it must not call back into the machine.
func NewMachine(onChange func(from, to State, e Event)) *Machine {
	return &Machine{state: Idle, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the current state is s.
func (m *Machine) Is(s State) bool {
	return m.State() == s
}

// Fire applies e and returns the new state.
func (m *Machine) Fire(e Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, ok := Next(from, e)
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, from)
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to, e)
	}
	return to, nil
}

// FireFrom applies e only if the current state is one of from.
func (m *Machine) FireFrom(e Event, from ...State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state
	matched := false
	for _, s := range from {
		if s == cur {
			matched = true
			break
		}
	}
	if !matched {
		return cur, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, cur)
	}

	to, ok := Next(cur, e)
	if !ok {
		return cur, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, cur)
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(cur, to, e)
	}
	return to, nil
}
