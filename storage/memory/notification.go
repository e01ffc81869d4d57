// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/storage"
)

var _ storage.NotificationStore = (*NotificationStore)(nil)

// NotificationStore is an in-memory implementation of storage.NotificationStore.
type NotificationStore struct {
	mu   sync.RWMutex
	logs map[string]*recipientLog
}

// recipientLog keeps a recipient's notifications sorted by id.
type recipientLog struct {
	seq   uint64
	items []*storage.Notification
}

func (l *recipientLog) index(id uint64) int {
	return sort.Search(len(l.items), func(i int) bool {
		return l.items[i].ID >= id
	})
}

func (l *recipientLog) find(id uint64) (*storage.Notification, bool) {
	i := l.index(id)
	if i < len(l.items) && l.items[i].ID == id {
		return l.items[i], true
	}
	return nil, false
}

// NewNotificationStore creates a new in-memory notification store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		logs: make(map[string]*recipientLog),
	}
}

// Append assigns the next id and stores the notification.
func (s *NotificationStore) Append(ctx context.Context, n *storage.Notification) (*storage.Notification, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[n.RecipientID]
	if !ok {
		log = &recipientLog{}
		s.logs[n.RecipientID] = log
	}

	log.seq++
	stored := n.Clone()
	stored.ID = log.seq
	stored.State = storage.StateQueued
	stored.Attempts = 0
	stored.SentAt = time.Time{}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	log.items = append(log.items, stored)

	return stored.Clone(), nil
}

// Get retrieves a notification by recipient and id.
func (s *NotificationStore) Get(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[recipientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	n, ok := log.find(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return n.Clone(), nil
}

// Update overwrites the delivery fields of a stored notification.
func (s *NotificationStore) Update(ctx context.Context, n *storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[n.RecipientID]
	if !ok {
		return storage.ErrNotFound
	}
	cur, ok := log.find(n.ID)
	if !ok {
		return storage.ErrNotFound
	}

	cur.State = n.State
	cur.Attempts = n.Attempts
	cur.SentAt = n.SentAt
	return nil
}

// MarkRead sets the read flag.
func (s *NotificationStore) MarkRead(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[recipientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cur, ok := log.find(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	cur.Read = true
	return cur.Clone(), nil
}

// ListSince returns notifications with id > afterID in ascending order.
func (s *NotificationStore) ListSince(ctx context.Context, recipientID string, afterID uint64, limit int) (storage.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[recipientID]
	if !ok {
		return storage.Page{}, nil
	}

	items := log.items[log.index(afterID+1):]
	page := storage.Page{}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		page.HasMore = true
	}
	page.Notifications = make([]*storage.Notification, 0, len(items))
	for _, n := range items {
		page.Notifications = append(page.Notifications, n.Clone())
	}
	return page, nil
}

// ListPending returns queued and sent notifications in ascending order.
func (s *NotificationStore) ListPending(ctx context.Context, recipientID string, limit int) ([]*storage.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[recipientID]
	if !ok {
		return nil, nil
	}

	var result []*storage.Notification
	for _, n := range log.items {
		if !n.State.Pending() {
			continue
		}
		result = append(result, n.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Recipients returns the recipients with pending notifications.
func (s *NotificationStore) Recipients(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []string
	for id, log := range s.logs {
		for _, n := range log.items {
			if n.State.Pending() {
				result = append(result, id)
				break
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

// Prune removes terminal notifications created before the given time.
func (s *NotificationStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, log := range s.logs {
		kept := log.items[:0]
		for _, n := range log.items {
			if n.State.Terminal() && n.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		clear(log.items[len(kept):])
		log.items = kept
	}
	return removed, nil
}
