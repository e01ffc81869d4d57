// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxnotify/auth"
	"github.com/absmach/fluxnotify/delivery"
	"github.com/absmach/fluxnotify/lifecycle"
	"github.com/absmach/fluxnotify/protocol"
	"github.com/absmach/fluxnotify/reconcile"
	"github.com/absmach/fluxnotify/storage"
	"github.com/absmach/fluxnotify/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPipeClosed = errors.New("pipe closed")

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

// pipeConn is an in-memory Connection. The test writes client frames to in
// and reads server frames from out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errPipeClosed
	case <-timeout:
		return nil, timeoutError{}
	}
}

func (c *pipeConn) WriteFrame(b []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return errPipeClosed
	}
}

func (c *pipeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) send(t *testing.T, event protocol.Event, requestID string, data any) {
	t.Helper()
	b, err := protocol.Encode(event, requestID, data)
	require.NoError(t, err)
	c.in <- b
}

func (c *pipeConn) recv(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case b := <-c.out:
		f, err := protocol.Decode(b)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server frame")
		return nil
	}
}

// expect skips pongs and returns the next frame of the given event.
func (c *pipeConn) expect(t *testing.T, event protocol.Event) *protocol.Frame {
	t.Helper()
	for {
		f := c.recv(t)
		if f.Event == event {
			return f
		}
		if f.Event != protocol.EventPong {
			t.Fatalf("expected %s frame, got %s: %s", event, f.Event, f.Data)
		}
	}
}

type countingMetrics struct {
	mu           sync.Mutex
	connections  int
	disconnects  int
	authFailures int
	evictions    int
}

func (m *countingMetrics) inc(field *int) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordConnection()    { m.inc(&m.connections) }
func (m *countingMetrics) RecordDisconnection() { m.inc(&m.disconnects) }
func (m *countingMetrics) RecordAuthFailure()   { m.inc(&m.authFailures) }
func (m *countingMetrics) RecordEviction()      { m.inc(&m.evictions) }

type harness struct {
	handler    *Handler
	dispatcher *delivery.Dispatcher
	store      storage.NotificationStore
	jwt        *auth.JWT
	metrics    *countingMetrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewNotificationStore()
	d := delivery.NewDispatcher(delivery.Config{AckTimeout: time.Second}, store, logger, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Close)

	j, err := auth.NewJWT("test-secret", "", 0)
	require.NoError(t, err)

	metrics := &countingMetrics{}
	r := reconcile.New(store, 100, logger, nil)
	h := NewHandler(cfg, j, d, r, NewManager(), logger, metrics)

	return &harness{handler: h, dispatcher: d, store: store, jwt: j, metrics: metrics}
}

func (h *harness) serve(t *testing.T) (*pipeConn, <-chan struct{}) {
	t.Helper()
	conn := newPipeConn()
	done := make(chan struct{})
	go func() {
		h.handler.Serve(context.Background(), conn)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return conn, done
}

func (h *harness) token(t *testing.T, recipientID string) string {
	t.Helper()
	token, err := h.jwt.Issue(recipientID, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) login(t *testing.T, recipientID string) (*pipeConn, <-chan struct{}) {
	t.Helper()
	conn, done := h.serve(t)
	conn.send(t, protocol.EventAuthenticate, "", protocol.Authenticate{Token: h.token(t, recipientID)})
	conn.expect(t, protocol.EventAuthenticated)
	return conn, done
}

func (h *harness) enqueue(t *testing.T, recipientID string) *storage.Notification {
	t.Helper()
	n, err := h.dispatcher.Enqueue(context.Background(), recipientID, storage.TypeNewOrder, json.RawMessage(`{"orderId":"o-1"}`))
	require.NoError(t, err)
	return n
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func bindError(t *testing.T, f *protocol.Frame) string {
	t.Helper()
	var e protocol.Error
	require.NoError(t, f.Bind(&e))
	return e.Reason
}

func TestHandler_AuthTimeout(t *testing.T) {
	h := newHarness(t, Config{AuthTimeout: 50 * time.Millisecond})
	conn, done := h.serve(t)

	f := conn.expect(t, protocol.EventAuthenticationError)
	assert.Equal(t, protocol.ReasonAuthTimeout, bindError(t, f))
	waitClosed(t, done)
	assert.True(t, conn.isClosed())
}

func TestHandler_InvalidToken(t *testing.T) {
	h := newHarness(t, Config{})
	conn, done := h.serve(t)

	conn.send(t, protocol.EventAuthenticate, "", protocol.Authenticate{Token: "bogus"})

	f := conn.expect(t, protocol.EventAuthenticationError)
	assert.Equal(t, protocol.ReasonInvalidToken, bindError(t, f))
	waitClosed(t, done)

	h.metrics.mu.Lock()
	assert.Equal(t, 1, h.metrics.authFailures)
	assert.Equal(t, 0, h.metrics.connections)
	h.metrics.mu.Unlock()
	assert.Equal(t, 0, h.handler.Manager().Count())
}

func TestHandler_FirstFrameMustAuthenticate(t *testing.T) {
	h := newHarness(t, Config{})
	conn, done := h.serve(t)

	conn.send(t, protocol.EventSync, "r1", protocol.SyncRequest{})

	f := conn.expect(t, protocol.EventAuthenticationError)
	assert.Equal(t, protocol.ReasonAuthRequired, bindError(t, f))
	waitClosed(t, done)
}

func TestHandler_Authenticate(t *testing.T) {
	h := newHarness(t, Config{})
	h.login(t, "vendor-1")

	s := h.handler.Manager().Get("vendor-1")
	require.NotNil(t, s)
	assert.Equal(t, lifecycle.Authenticated, s.State())
	assert.Equal(t, "vendor-1", s.RecipientID())
	assert.False(t, s.Ready())
}

func TestHandler_NoPushBeforeSync(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := h.login(t, "vendor-1")

	h.enqueue(t, "vendor-1")

	select {
	case b := <-conn.out:
		t.Fatalf("unexpected frame before sync: %s", b)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, h.dispatcher.Connected("vendor-1"))
}

func TestHandler_SyncThenLivePush(t *testing.T) {
	h := newHarness(t, Config{})
	for range 3 {
		h.enqueue(t, "vendor-1")
	}
	conn, _ := h.login(t, "vendor-1")

	conn.send(t, protocol.EventSync, "r1", protocol.SyncRequest{AfterID: 1})
	f := conn.expect(t, protocol.EventSyncResult)
	assert.Equal(t, "r1", f.RequestID)

	var res protocol.SyncResult
	require.NoError(t, f.Bind(&res))
	require.Len(t, res.Notifications, 2)
	assert.False(t, res.HasMore)

	first, err := protocol.ParseNotification(res.Notifications[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first.ID)

	// Pending items are pushed once the session is ready.
	push := conn.expect(t, protocol.EventNotification)
	var n protocol.Notification
	require.NoError(t, push.Bind(&n))
	assert.Equal(t, uint64(1), n.ID)
	assert.True(t, h.handler.Manager().Get("vendor-1").Ready())
	assert.True(t, h.dispatcher.Connected("vendor-1"))
}

func TestHandler_SyncPagingKeepsSessionNotReady(t *testing.T) {
	h := newHarness(t, Config{SyncLimit: 2})
	for range 3 {
		h.enqueue(t, "vendor-1")
	}
	conn, _ := h.login(t, "vendor-1")

	conn.send(t, protocol.EventSync, "r1", protocol.SyncRequest{})
	var res protocol.SyncResult
	require.NoError(t, conn.expect(t, protocol.EventSyncResult).Bind(&res))
	assert.Len(t, res.Notifications, 2)
	assert.True(t, res.HasMore)
	assert.False(t, h.handler.Manager().Get("vendor-1").Ready())

	conn.send(t, protocol.EventSync, "r2", protocol.SyncRequest{AfterID: 2})
	require.NoError(t, conn.expect(t, protocol.EventSyncResult).Bind(&res))
	assert.Len(t, res.Notifications, 1)
	assert.False(t, res.HasMore)

	require.Eventually(t, func() bool {
		return h.handler.Manager().Get("vendor-1").Ready()
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_AckCompletesDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := h.login(t, "vendor-1")
	conn.send(t, protocol.EventSync, "", protocol.SyncRequest{})
	conn.expect(t, protocol.EventSyncResult)

	sent := h.enqueue(t, "vendor-1")
	var n protocol.Notification
	require.NoError(t, conn.expect(t, protocol.EventNotification).Bind(&n))
	require.Equal(t, sent.ID, n.ID)

	conn.send(t, protocol.EventAck, "", protocol.Ack{NotificationID: n.ID})

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), "vendor-1", n.ID)
		return err == nil && got.State == storage.StateAcknowledged
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_PingPong(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := h.login(t, "vendor-1")

	conn.send(t, protocol.EventPing, "p1", protocol.Ping{Timestamp: 1700000000000})
	f := conn.recv(t)
	require.Equal(t, protocol.EventPong, f.Event)
	assert.Equal(t, "p1", f.RequestID)

	var pong protocol.Ping
	require.NoError(t, f.Bind(&pong))
	assert.Equal(t, int64(1700000000000), pong.Timestamp)
	assert.False(t, h.handler.Manager().Get("vendor-1").LastPing().IsZero())
}

func TestHandler_RejectsUnknownAndMalformedFrames(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := h.login(t, "vendor-1")

	conn.in <- []byte(`{not json`)
	assert.Equal(t, protocol.ReasonMalformedFrame, bindError(t, conn.expect(t, protocol.EventError)))

	conn.send(t, protocol.Event("subscribe"), "x", nil)
	f := conn.expect(t, protocol.EventError)
	assert.Equal(t, "x", f.RequestID)
	assert.Equal(t, protocol.ReasonUnsupported, bindError(t, f))

	conn.send(t, protocol.EventAuthenticate, "", protocol.Authenticate{Token: h.token(t, "vendor-1")})
	assert.Equal(t, protocol.ReasonAlreadyAuthed, bindError(t, conn.expect(t, protocol.EventError)))

	// The session survives protocol errors.
	assert.False(t, conn.isClosed())
}

func TestHandler_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: 80 * time.Millisecond})
	conn, done := h.login(t, "vendor-1")

	waitClosed(t, done)
	assert.True(t, conn.isClosed())
	assert.Nil(t, h.handler.Manager().Get("vendor-1"))

	h.metrics.mu.Lock()
	assert.Equal(t, 1, h.metrics.disconnects)
	h.metrics.mu.Unlock()
}

func TestHandler_LastWriterWins(t *testing.T) {
	h := newHarness(t, Config{})
	first, firstDone := h.login(t, "vendor-1")
	first.send(t, protocol.EventSync, "", protocol.SyncRequest{})
	first.expect(t, protocol.EventSyncResult)

	second, _ := h.login(t, "vendor-1")

	f := first.expect(t, protocol.EventError)
	assert.Equal(t, protocol.ReasonSuperseded, bindError(t, f))
	waitClosed(t, firstDone)

	cur := h.handler.Manager().Get("vendor-1")
	require.NotNil(t, cur)
	assert.Equal(t, 1, h.handler.Manager().Count())

	// The old session's teardown leaves the new one registered and the
	// new one receives deliveries once synced.
	second.send(t, protocol.EventSync, "", protocol.SyncRequest{})
	second.expect(t, protocol.EventSyncResult)
	sent := h.enqueue(t, "vendor-1")

	var n protocol.Notification
	require.NoError(t, second.expect(t, protocol.EventNotification).Bind(&n))
	assert.Equal(t, sent.ID, n.ID)
	assert.Same(t, cur, h.handler.Manager().Get("vendor-1"))

	h.metrics.mu.Lock()
	assert.Equal(t, 1, h.metrics.evictions)
	h.metrics.mu.Unlock()
}

func TestHandler_DisconnectReleasesInflight(t *testing.T) {
	h := newHarness(t, Config{})
	conn, done := h.login(t, "vendor-1")
	conn.send(t, protocol.EventSync, "", protocol.SyncRequest{})
	conn.expect(t, protocol.EventSyncResult)

	sent := h.enqueue(t, "vendor-1")
	conn.expect(t, protocol.EventNotification)

	conn.Close()
	waitClosed(t, done)

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), "vendor-1", sent.ID)
		return err == nil && got.State == storage.StateQueued && got.Attempts == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, h.dispatcher.Connected("vendor-1"))
}

func TestManager_UnregisterIgnoresReplacedSession(t *testing.T) {
	m := NewManager()
	a := newSession(newPipeConn(), 0)
	a.recipientID = "vendor-1"
	b := newSession(newPipeConn(), 0)
	b.recipientID = "vendor-1"

	assert.Nil(t, m.Register(a))
	assert.Same(t, a, m.Register(b))
	assert.False(t, m.Unregister(a))
	assert.Same(t, b, m.Get("vendor-1"))
	assert.True(t, m.Unregister(b))
	assert.Equal(t, 0, m.Count())
}

func TestSession_PushRequiresAuthentication(t *testing.T) {
	s := newSession(newPipeConn(), 0)
	err := s.Push(context.Background(), &storage.Notification{ID: 1, Type: storage.TypeGeneric})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestHandler_SyncGraceStartsPushesWithoutSync(t *testing.T) {
	h := newHarness(t, Config{SyncGrace: 50 * time.Millisecond})
	conn, _ := h.login(t, "vendor-1")
	n := h.enqueue(t, "vendor-1")

	push := conn.expect(t, protocol.EventNotification)
	var got protocol.Notification
	require.NoError(t, push.Bind(&got))
	assert.Equal(t, n.ID, got.ID)
	assert.True(t, h.handler.Manager().Get("vendor-1").Ready())
}

func TestHandler_SyncGraceWaitsForStartedSync(t *testing.T) {
	h := newHarness(t, Config{SyncLimit: 2, SyncGrace: 50 * time.Millisecond})
	for range 3 {
		h.enqueue(t, "vendor-1")
	}
	conn, _ := h.login(t, "vendor-1")

	conn.send(t, protocol.EventSync, "r1", protocol.SyncRequest{})
	f := conn.expect(t, protocol.EventSyncResult)
	var res protocol.SyncResult
	require.NoError(t, f.Bind(&res))
	require.True(t, res.HasMore)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, h.dispatcher.Connected("vendor-1"))
	assert.False(t, h.handler.Manager().Get("vendor-1").Ready())
}
