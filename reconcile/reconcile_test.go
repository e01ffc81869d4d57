// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"testing"

	"github.com/absmach/fluxnotify/storage"
	"github.com/absmach/fluxnotify/storage/memory"
	"github.com/absmach/fluxnotify/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls map[string]int
}

func (r *recorder) RecordReconciliation(source string, returned int) {
	r.calls[source] += returned
}

func seed(t *testing.T, store storage.NotificationStore, recipientID string, n int) {
	t.Helper()
	for range n {
		storagetest.Add(t, store, recipientID, storage.TypeNewOrder)
	}
}

func TestListSince_CatchUp(t *testing.T) {
	store := memory.NewNotificationStore()
	seed(t, store, "vendor-1", 105)
	rec := &recorder{calls: map[string]int{}}
	svc := New(store, 0, nil, rec)

	// Client cursor 100, server holds 101..105.
	page, err := svc.ListSince(context.Background(), SourceSocket, "vendor-1", 100, 0)
	require.NoError(t, err)

	var ids []uint64
	for _, n := range page.Notifications {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []uint64{101, 102, 103, 104, 105}, ids)
	assert.False(t, page.HasMore)
	assert.Equal(t, 5, rec.calls[SourceSocket])
}

func TestListSince_Boundaries(t *testing.T) {
	store := memory.NewNotificationStore()
	seed(t, store, "vendor-1", 3)
	svc := New(store, 0, nil, nil)

	all, err := svc.ListSince(context.Background(), SourceHTTP, "vendor-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all.Notifications, 3)

	beyond, err := svc.ListSince(context.Background(), SourceHTTP, "vendor-1", 1000, 0)
	require.NoError(t, err)
	assert.Empty(t, beyond.Notifications)

	_, err = svc.ListSince(context.Background(), SourceHTTP, "", 0, 0)
	assert.ErrorIs(t, err, storage.ErrEmptyRecipient)
}

func TestListSince_MaxLimit(t *testing.T) {
	store := memory.NewNotificationStore()
	seed(t, store, "vendor-1", 5)
	svc := New(store, 2, nil, nil)

	page, err := svc.ListSince(context.Background(), SourceHTTP, "vendor-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Notifications, 2)
	assert.True(t, page.HasMore)

	page, err = svc.ListSince(context.Background(), SourceHTTP, "vendor-1", 0, 50)
	require.NoError(t, err)
	assert.Len(t, page.Notifications, 2)

	page, err = svc.ListSince(context.Background(), SourceHTTP, "vendor-1", 4, 1)
	require.NoError(t, err)
	assert.Len(t, page.Notifications, 1)
	assert.False(t, page.HasMore)
}

func TestMarkRead(t *testing.T) {
	store := memory.NewNotificationStore()
	seed(t, store, "vendor-1", 1)
	svc := New(store, 0, nil, nil)

	n, err := svc.MarkRead(context.Background(), "vendor-1", 1)
	require.NoError(t, err)
	assert.True(t, n.Read)

	got, err := store.Get(context.Background(), "vendor-1", 1)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, storage.StateQueued, got.State)

	_, err = svc.MarkRead(context.Background(), "vendor-1", 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
