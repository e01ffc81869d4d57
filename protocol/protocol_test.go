// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/fluxnotify/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(EventSync, "req-1", SyncRequest{AfterID: 100})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"sync","requestId":"req-1","data":{"afterId":100}}`, string(raw))

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventSync, f.Event)
	assert.Equal(t, "req-1", f.RequestID)

	var req SyncRequest
	require.NoError(t, f.Bind(&req))
	assert.Equal(t, uint64(100), req.AfterID)
}

func TestEncode_NoData(t *testing.T) {
	raw, err := Encode(EventPong, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(raw))
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event":`,
		"missing event": `{"data":{}}`,
		"array":         `[1,2]`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestBind_Malformed(t *testing.T) {
	f := &Frame{Event: EventAck}
	assert.ErrorIs(t, f.Bind(&Ack{}), ErrMalformedFrame)

	f.Data = json.RawMessage(`{"notificationId":"seven"}`)
	assert.ErrorIs(t, f.Bind(&Ack{}), ErrMalformedFrame)
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantID  uint64
		wantErr bool
	}{
		{
			name:   "valid",
			raw:    `{"id":7,"type":"new_order","payload":{"orderId":"o-7"},"createdAt":"2024-05-01T10:00:00Z"}`,
			wantID: 7,
		},
		{
			name:   "unknown type is still routable",
			raw:    `{"id":8,"type":"promo","payload":null}`,
			wantID: 8,
		},
		{
			name:    "missing type keeps id",
			raw:     `{"id":9,"payload":{}}`,
			wantID:  9,
			wantErr: true,
		},
		{
			name:    "bad timestamp keeps id",
			raw:     `{"id":10,"type":"generic","createdAt":"yesterday"}`,
			wantID:  10,
			wantErr: true,
		},
		{
			name:    "string id",
			raw:     `{"id":"11","type":"generic"}`,
			wantErr: true,
		},
		{
			name:    "zero id",
			raw:     `{"id":0,"type":"generic"}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			raw:     `"hello"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseNotification(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedNotification)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantID, n.ID)
		})
	}
}

func TestFromStorageAndSyncResult(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	page := storage.Page{
		Notifications: []*storage.Notification{
			{ID: 101, Type: storage.TypeNewOrder, Payload: json.RawMessage(`{"a":1}`), CreatedAt: created},
			{ID: 102, Type: storage.TypeGeneric, CreatedAt: created, Read: true},
		},
		HasMore: true,
	}

	res, err := NewSyncResult(page)
	require.NoError(t, err)
	require.Len(t, res.Notifications, 2)
	assert.True(t, res.HasMore)

	first, err := ParseNotification(res.Notifications[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(101), first.ID)
	assert.Equal(t, "new_order", first.Type)
	assert.True(t, created.Equal(first.CreatedAt))

	second, err := ParseNotification(res.Notifications[1])
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(second.Payload))
	assert.True(t, second.Read)
}
