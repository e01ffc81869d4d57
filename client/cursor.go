// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
)

// CursorStore persists the highest applied notification id per recipient.
// A recipient without a stored cursor reads as 0.
type CursorStore interface {
	Load(ctx context.Context, recipientID string) (uint64, error)
	// Save stores id unless a higher cursor is already stored.
	Save(ctx context.Context, recipientID string, id uint64) error
}

// MemoryCursorStore is a process-local CursorStore.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]uint64)}
}

func (m *MemoryCursorStore) Load(_ context.Context, recipientID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[recipientID], nil
}

func (m *MemoryCursorStore) Save(_ context.Context, recipientID string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.cursors[recipientID] {
		m.cursors[recipientID] = id
	}
	return nil
}
