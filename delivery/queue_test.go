// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"testing"

	"github.com/absmach/fluxnotify/storage"
	"github.com/absmach/fluxnotify/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Transitions(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(memory.NewNotificationStore(), 2, nil)

	n, err := q.Enqueue(ctx, "vendor-1", storage.TypeNewOrder, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StateQueued, n.State)

	// Timeouts only apply to sent items.
	_, changed, err := q.Requeue(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	sent, changed, err := q.MarkSent(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, sent.SentAt.IsZero())

	_, changed, err = q.MarkSent(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	requeued, changed, err := q.Requeue(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, storage.StateQueued, requeued.State)
	assert.Equal(t, 1, requeued.Attempts)

	_, _, err = q.MarkSent(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	expired, _, err := q.Requeue(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateExpired, expired.State)

	acked, changed, err := q.Ack(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, storage.StateAcknowledged, acked.State)

	_, changed, err = q.Ack(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestQueue_ReleaseDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(memory.NewNotificationStore(), 5, nil)

	n, err := q.Enqueue(ctx, "vendor-1", storage.TypeGeneric, nil)
	require.NoError(t, err)
	_, _, err = q.MarkSent(ctx, "vendor-1", n.ID)
	require.NoError(t, err)

	ok, err := q.Release(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Release(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Release(ctx, "vendor-1", 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_NextQueuedSkipsSent(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(memory.NewNotificationStore(), 5, nil)

	for range 4 {
		_, err := q.Enqueue(ctx, "vendor-1", storage.TypeGeneric, nil)
		require.NoError(t, err)
	}
	_, _, err := q.MarkSent(ctx, "vendor-1", 1)
	require.NoError(t, err)

	items, err := q.NextQueued(ctx, "vendor-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, uint64(2), items[0].ID)
	assert.Equal(t, uint64(3), items[1].ID)
}

func TestQueue_EnqueueRejectsInvalidType(t *testing.T) {
	q := NewQueue(memory.NewNotificationStore(), 5, nil)
	_, err := q.Enqueue(context.Background(), "vendor-1", "promo", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidType)
}
