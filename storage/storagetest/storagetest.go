// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by every
// storage.NotificationStore implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/fluxnotify/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) storage.NotificationStore

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.NotificationStore)
	}{
		{"AppendAssignsIncreasingIDs", testAppendAssignsIncreasingIDs},
		{"AppendRejectsInvalid", testAppendRejectsInvalid},
		{"RecipientsAreIndependent", testRecipientsAreIndependent},
		{"GetNotFound", testGetNotFound},
		{"UpdateState", testUpdateState},
		{"MarkRead", testMarkRead},
		{"ListSinceCompleteness", testListSinceCompleteness},
		{"ListSinceLimit", testListSinceLimit},
		{"ListPending", testListPending},
		{"Recipients", testRecipients},
		{"PruneKeepsPendingAndSequence", testPruneKeepsPendingAndSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Add appends a notification for recipientID with a small JSON payload.
func Add(t *testing.T, s storage.NotificationStore, recipientID string, typ storage.Type) *storage.Notification {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"order": fmt.Sprintf("o-%d", time.Now().UnixNano())})
	require.NoError(t, err)

	n, err := s.Append(context.Background(), &storage.Notification{
		RecipientID: recipientID,
		Type:        typ,
		Payload:     payload,
	})
	require.NoError(t, err)
	return n
}

func ids(items []*storage.Notification) []uint64 {
	out := make([]uint64, 0, len(items))
	for _, n := range items {
		out = append(out, n.ID)
	}
	return out
}

func testAppendAssignsIncreasingIDs(t *testing.T, s storage.NotificationStore) {
	first := Add(t, s, "vendor-1", storage.TypeNewOrder)
	second := Add(t, s, "vendor-1", storage.TypeStatusUpdate)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, storage.StateQueued, first.State)
	assert.False(t, first.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), "vendor-1", 2)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeStatusUpdate, got.Type)
	assert.JSONEq(t, string(second.Payload), string(got.Payload))
}

func testAppendRejectsInvalid(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()

	_, err := s.Append(ctx, &storage.Notification{Type: storage.TypeGeneric})
	assert.ErrorIs(t, err, storage.ErrEmptyRecipient)

	_, err = s.Append(ctx, &storage.Notification{RecipientID: "v", Type: "promo"})
	assert.ErrorIs(t, err, storage.ErrInvalidType)

	_, err = s.Append(ctx, &storage.Notification{RecipientID: "v", Type: storage.TypeGeneric, Payload: []byte("{nope")})
	assert.ErrorIs(t, err, storage.ErrInvalidPayload)
}

func testRecipientsAreIndependent(t *testing.T, s storage.NotificationStore) {
	a := Add(t, s, "vendor/a", storage.TypeNewOrder)
	b := Add(t, s, "vendor", storage.TypeNewOrder)
	a2 := Add(t, s, "vendor/a", storage.TypeNewOrder)

	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(1), b.ID)
	assert.Equal(t, uint64(2), a2.ID)

	page, err := s.ListSince(context.Background(), "vendor", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids(page.Notifications))
}

func testGetNotFound(t *testing.T, s storage.NotificationStore) {
	_, err := s.Get(context.Background(), "nobody", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.Update(context.Background(), &storage.Notification{RecipientID: "nobody", ID: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateState(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	n := Add(t, s, "vendor-1", storage.TypeNewOrder)

	n.State = storage.StateSent
	n.Attempts = 2
	n.SentAt = time.Now().UTC().Truncate(time.Millisecond)
	n.Read = true
	require.NoError(t, s.Update(ctx, n))

	got, err := s.Get(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSent, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.False(t, got.Read, "update must not touch the read flag")
	assert.True(t, n.SentAt.Equal(got.SentAt))
	assert.True(t, n.CreatedAt.Equal(got.CreatedAt))
}

func testListSinceCompleteness(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	for range 5 {
		Add(t, s, "vendor-1", storage.TypeNewOrder)
	}

	// State does not matter for reconciliation.
	n, err := s.Get(ctx, "vendor-1", 2)
	require.NoError(t, err)
	n.State = storage.StateAcknowledged
	require.NoError(t, s.Update(ctx, n))

	page, err := s.ListSince(ctx, "vendor-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(page.Notifications))
	assert.False(t, page.HasMore)

	page, err = s.ListSince(ctx, "vendor-1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids(page.Notifications))

	page, err = s.ListSince(ctx, "vendor-1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Notifications)

	page, err = s.ListSince(ctx, "vendor-1", 500, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Notifications)

	page, err = s.ListSince(ctx, "unknown", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Notifications)
}

func testListSinceLimit(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	for range 5 {
		Add(t, s, "vendor-1", storage.TypeGeneric)
	}

	page, err := s.ListSince(ctx, "vendor-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, ids(page.Notifications))
	assert.True(t, page.HasMore)

	page, err = s.ListSince(ctx, "vendor-1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids(page.Notifications))
	assert.False(t, page.HasMore)
}

func testListPending(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	for range 4 {
		Add(t, s, "vendor-1", storage.TypeNewOrder)
	}

	acked, err := s.Get(ctx, "vendor-1", 1)
	require.NoError(t, err)
	acked.State = storage.StateAcknowledged
	require.NoError(t, s.Update(ctx, acked))

	sent, err := s.Get(ctx, "vendor-1", 3)
	require.NoError(t, err)
	sent.State = storage.StateSent
	require.NoError(t, s.Update(ctx, sent))

	pending, err := s.ListPending(ctx, "vendor-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, ids(pending))

	pending, err = s.ListPending(ctx, "vendor-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids(pending))
}

func testRecipients(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	Add(t, s, "a", storage.TypeNewOrder)
	Add(t, s, "a", storage.TypeNewOrder)
	done := Add(t, s, "b", storage.TypeNewOrder)
	Add(t, s, "c/d", storage.TypeNewOrder)

	done.State = storage.StateAcknowledged
	require.NoError(t, s.Update(ctx, done))

	recipients, err := s.Recipients(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c/d"}, recipients)
}

func testPruneKeepsPendingAndSequence(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()

	for _, state := range []storage.DeliveryState{storage.StateAcknowledged, storage.StateExpired, storage.StateQueued} {
		n, err := s.Append(ctx, &storage.Notification{
			RecipientID: "vendor-1",
			Type:        storage.TypeNewOrder,
			CreatedAt:   old,
		})
		require.NoError(t, err)
		if state != storage.StateQueued {
			n.State = state
			require.NoError(t, s.Update(ctx, n))
		}
	}
	fresh := Add(t, s, "vendor-1", storage.TypeNewOrder)
	fresh.State = storage.StateAcknowledged
	require.NoError(t, s.Update(ctx, fresh))

	removed, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	page, err := s.ListSince(ctx, "vendor-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, ids(page.Notifications))

	next := Add(t, s, "vendor-1", storage.TypeNewOrder)
	assert.Equal(t, uint64(5), next.ID)
}

func testMarkRead(t *testing.T, s storage.NotificationStore) {
	ctx := context.Background()
	n := Add(t, s, "vendor-1", storage.TypeNewOrder)

	got, err := s.MarkRead(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	// A later delivery update keeps the flag.
	n.State = storage.StateSent
	require.NoError(t, s.Update(ctx, n))
	got, err = s.Get(ctx, "vendor-1", n.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, storage.StateSent, got.State)

	_, err = s.MarkRead(ctx, "vendor-1", 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
