// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/storage"
)

const lockStripes = 64

// Queue is the durable per-recipient delivery queue. Every state change is a
// read-modify-write on the store, serialized per recipient.
type Queue struct {
	store       storage.NotificationStore
	maxAttempts int
	logger      *slog.Logger
	locks       [lockStripes]sync.Mutex
}

// NewQueue creates a queue over store. Items expire after maxAttempts ACK
// timeouts.
func NewQueue(store storage.NotificationStore, maxAttempts int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (q *Queue) lock(recipientID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(recipientID))
	return &q.locks[h.Sum32()%lockStripes]
}

// Enqueue appends a new notification for recipientID.
func (q *Queue) Enqueue(ctx context.Context, recipientID string, typ storage.Type, payload json.RawMessage) (*storage.Notification, error) {
	n, err := q.store.Append(ctx, &storage.Notification{
		RecipientID: recipientID,
		Type:        typ,
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return n, nil
}

// NextQueued returns up to limit queued notifications in id order. Sent
// items are skipped; scan bounds how many pending items are inspected.
func (q *Queue) NextQueued(ctx context.Context, recipientID string, limit, scan int) ([]*storage.Notification, error) {
	pending, err := q.store.ListPending(ctx, recipientID, scan)
	if err != nil {
		return nil, err
	}

	var out []*storage.Notification
	for _, n := range pending {
		if n.State != storage.StateQueued {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// transition applies fn to the stored notification under the recipient lock
// and persists it when fn reports a change.
func (q *Queue) transition(ctx context.Context, recipientID string, id uint64, fn func(n *storage.Notification) bool) (*storage.Notification, bool, error) {
	mu := q.lock(recipientID)
	mu.Lock()
	defer mu.Unlock()

	n, err := q.store.Get(ctx, recipientID, id)
	if err != nil {
		return nil, false, err
	}
	if !fn(n) {
		return n, false, nil
	}
	if err := q.store.Update(ctx, n); err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func move(n *storage.Notification, to storage.DeliveryState) bool {
	if !storage.CanTransition(n.State, to) {
		return false
	}
	n.State = to
	return true
}

// MarkSent moves a queued notification to sent. It reports false when the
// item is no longer queued.
func (q *Queue) MarkSent(ctx context.Context, recipientID string, id uint64) (*storage.Notification, bool, error) {
	return q.transition(ctx, recipientID, id, func(n *storage.Notification) bool {
		if n.State != storage.StateQueued {
			return false
		}
		n.SentAt = time.Now().UTC()
		return move(n, storage.StateSent)
	})
}

// Ack marks a notification acknowledged. Acknowledging an already
// acknowledged item is a no-op.
func (q *Queue) Ack(ctx context.Context, recipientID string, id uint64) (*storage.Notification, bool, error) {
	return q.transition(ctx, recipientID, id, func(n *storage.Notification) bool {
		return move(n, storage.StateAcknowledged)
	})
}

// Requeue handles an ACK timeout: the attempt is counted and the item goes
// back to queued, or to expired once the attempt limit is reached.
func (q *Queue) Requeue(ctx context.Context, recipientID string, id uint64) (*storage.Notification, bool, error) {
	return q.transition(ctx, recipientID, id, func(n *storage.Notification) bool {
		if n.State != storage.StateSent {
			return false
		}
		n.Attempts++
		if n.Attempts >= q.maxAttempts {
			return move(n, storage.StateExpired)
		}
		return move(n, storage.StateQueued)
	})
}

// Release returns a sent item to queued without counting an attempt. Used
// when the connection it was pushed on goes away.
func (q *Queue) Release(ctx context.Context, recipientID string, id uint64) (bool, error) {
	_, changed, err := q.transition(ctx, recipientID, id, func(n *storage.Notification) bool {
		if n.State != storage.StateSent {
			return false
		}
		return move(n, storage.StateQueued)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return changed, err
}

// Recover releases every sent item. No connection exists at startup, so
// no ACK can arrive for them.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	recipients, err := q.store.Recipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list recipients: %w", err)
	}

	released := 0
	for _, recipientID := range recipients {
		pending, err := q.store.ListPending(ctx, recipientID, 0)
		if err != nil {
			return released, fmt.Errorf("failed to list pending for %s: %w", recipientID, err)
		}
		for _, n := range pending {
			if n.State != storage.StateSent {
				continue
			}
			ok, err := q.Release(ctx, recipientID, n.ID)
			if err != nil {
				return released, err
			}
			if ok {
				released++
			}
		}
	}

	if released > 0 {
		q.logger.Info("delivery_queue_recovered",
			slog.Int("released", released),
			slog.Int("recipients", len(recipients)))
	}
	return released, nil
}
