// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
)

// Manager tracks the single current session of every recipient.
// Registration is last-writer-wins.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Register makes s the current session of its recipient and returns the
// session it replaced, if any. The caller closes the replaced session.
func (m *Manager) Register(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.sessions[s.recipientID]
	m.sessions[s.recipientID] = s
	if old == s {
		return nil
	}
	return old
}

// Unregister removes s if it is still the recipient's current session.
func (m *Manager) Unregister(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[s.recipientID]; ok && cur == s {
		delete(m.sessions, s.recipientID)
		return true
	}
	return false
}

// Get returns the recipient's current session.
func (m *Manager) Get(recipientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[recipientID]
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForEach calls fn for each registered session.
func (m *Manager) ForEach(fn func(*Session)) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// Close closes every registered session.
func (m *Manager) Close(reason string) {
	m.ForEach(func(s *Session) {
		s.Close(reason)
	})
}
