// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"os"
	"testing"

	"github.com/absmach/fluxnotify/storage"
	"github.com/absmach/fluxnotify/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, compress bool) (*Store, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "badger-notify-test-*")
	require.NoError(t, err)

	s, err := New(Config{Dir: dir, SyncWrites: true, CompressPayloads: compress})
	require.NoError(t, err)

	return s, dir
}

func cleanupStore(t *testing.T, s *Store, dir string) {
	t.Helper()
	require.NoError(t, s.Close())
	os.RemoveAll(dir)
}

func TestNotificationStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.NotificationStore {
		s, dir := setupStore(t, false)
		t.Cleanup(func() { cleanupStore(t, s, dir) })
		return s.Notifications()
	})
}

func TestNotificationStore_Compressed(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.NotificationStore {
		s, dir := setupStore(t, true)
		t.Cleanup(func() { cleanupStore(t, s, dir) })
		return s.Notifications()
	})
}

func TestNotificationStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, dir := setupStore(t, false)
	defer os.RemoveAll(dir)

	first := storagetest.Add(t, s.Notifications(), "vendor-1", storage.TypeNewOrder)
	storagetest.Add(t, s.Notifications(), "vendor-1", storage.TypeNewOrder)
	require.NoError(t, s.Close())

	// Reopen with compression on: existing JSON records must still decode.
	reopened, err := New(Config{Dir: dir, SyncWrites: true, CompressPayloads: true})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Notifications().Get(ctx, "vendor-1", first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(first.Payload), string(got.Payload))

	next := storagetest.Add(t, reopened.Notifications(), "vendor-1", storage.TypeNewOrder)
	assert.Equal(t, uint64(3), next.ID)

	recipients, err := reopened.Notifications().Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor-1"}, recipients)
}

func TestStore_PingAfterClose(t *testing.T) {
	s, dir := setupStore(t, false)
	defer os.RemoveAll(dir)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), storage.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestCodec_RejectsUnknownEncoding(t *testing.T) {
	_, err := newCodec(false).decode([]byte{0x7f, '{', '}'})
	assert.ErrorIs(t, err, errUnknownEncoding)

	_, err = newCodec(false).decode(nil)
	assert.ErrorIs(t, err, errUnknownEncoding)
}
