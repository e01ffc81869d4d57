// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{Idle, Connect, Connecting, true},
		{Connecting, TransportUp, Connected, true},
		{Connected, CredentialsSent, Authenticating, true},
		{Authenticating, AuthAccepted, Authenticated, true},
		{Authenticating, AuthRejected, Closed, true},
		{Authenticated, TransportLost, Disconnected, true},
		{Connecting, TransportLost, Disconnected, true},
		{Disconnected, ScheduleRetry, ReconnectScheduled, true},
		{ReconnectScheduled, Retry, Connecting, true},
		{ReconnectScheduled, Close, Closed, true},
		{Closed, Connect, Connecting, true},
		{Disconnected, Connect, Connecting, true},

		{Closed, TransportLost, Closed, false},
		{Closed, Retry, Closed, false},
		{Closed, Close, Closed, false},
		{Idle, AuthAccepted, Idle, false},
		{Connected, AuthAccepted, Connected, false},
		{Authenticated, Connect, Authenticated, false},
		{ReconnectScheduled, TransportLost, ReconnectScheduled, false},
		{Disconnected, Retry, Disconnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			to, ok := Next(tt.from, tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestMachine_FullCycle(t *testing.T) {
	var seen []State
	m := NewMachine(func(from, to State, e Event) {
		seen = append(seen, to)
	})

	for _, e := range []Event{Connect, TransportUp, CredentialsSent, AuthAccepted, TransportLost, ScheduleRetry, Retry} {
		_, err := m.Fire(e)
		require.NoError(t, err)
	}

	assert.Equal(t, Connecting, m.State())
	assert.Equal(t, []State{Connecting, Connected, Authenticating, Authenticated, Disconnected, ReconnectScheduled, Connecting}, seen)
}

func TestMachine_RejectedTransitionKeepsState(t *testing.T) {
	m := NewMachine(nil)
	_, err := m.Fire(Close)
	require.NoError(t, err)

	state, err := m.Fire(TransportLost)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Closed, state)
	assert.True(t, m.Is(Closed))
}

func TestMachine_FireFrom(t *testing.T) {
	m := NewMachine(nil)
	_, err := m.FireFrom(Connect, Disconnected)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Idle, m.State())

	state, err := m.FireFrom(Connect, Idle, Disconnected)
	require.NoError(t, err)
	assert.Equal(t, Connecting, state)
}

func TestMachine_ConcurrentClose(t *testing.T) {
	m := NewMachine(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Fire(Close); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, Closed, m.State())
}
