// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the notification subscriber: the connection
// manager, the dispatch router that owns the cursor and the HTTP fallback
// poller.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxnotify/lifecycle"
	"github.com/absmach/fluxnotify/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a notification subscriber for a single recipient.
type Client struct {
	opts    *Options
	id      string
	machine *lifecycle.Machine
	router  *Router
	poller  *Poller
	backoff Backoff
	logger  *slog.Logger

	mu            sync.Mutex
	token         string
	conn          *websocket.Conn
	connCancel    context.CancelFunc
	epoch         uint64 // bumped by Disconnect; stale attempts and timers check it
	attempt       int
	retryTimer    *time.Timer
	connecting    *connectCall
	superseded    bool
	cursorLoaded  bool
	syncingConn   *websocket.Conn // transport with a catch-up in progress

	notifyMu  sync.Mutex
	notifyQ   []stateChange
	notifying bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan syncReply
	reqSeq    atomic.Uint64

	latency atomic.Int64
	workers sync.WaitGroup
}

type connectCall struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type stateChange struct {
	from, to lifecycle.State
}

// syncAttempts bounds catch-up retries on one transport before it is
// dropped and the reconnect path takes over.
const syncAttempts = 5

type syncReply struct {
	err     error
	lastID  uint64
	hasMore bool
}

// New creates a new client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts: opts,
		id:   uuid.NewString(),
		backoff: Backoff{
			Base:        opts.ReconnectBase,
			Max:         opts.ReconnectMax,
			MaxAttempts: opts.MaxReconnectAttempts,
		},
		pending: make(map[string]chan syncReply),
	}
	c.logger = opts.Logger.With(slog.String("client_id", c.id), slog.String("recipient_id", opts.RecipientID))
	c.machine = lifecycle.NewMachine(c.stateChanged)
	c.router = NewRouter(opts.Cursor, opts.RecipientID, c.logger)
	c.router.SetAck(c.sendAck)
	c.poller = NewPoller(PollerConfig{
		APIURL:          opts.APIURL,
		Interval:        opts.PollInterval,
		Limit:           opts.SyncLimit,
		BreakerFailures: opts.BreakerFailures,
		BreakerTimeout:  opts.BreakerTimeout,
		HTTPClient:      opts.HTTPClient,
	}, c.router, c.currentToken, c.logger)

	return c, nil
}

func (c *Client) stateChanged(from, to lifecycle.State, e lifecycle.Event) {
	c.logger.Debug("connection_state_changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("event", e.String()))
	if c.opts.OnStateChange == nil {
		return
	}

	// Runs under the machine lock, so the queue holds transitions in order.
	c.notifyMu.Lock()
	c.notifyQ = append(c.notifyQ, stateChange{from: from, to: to})
	if c.notifying {
		c.notifyMu.Unlock()
		return
	}
	c.notifying = true
	c.notifyMu.Unlock()
	go c.notifyStateChanges()
}

// notifyStateChanges drains queued transitions on one goroutine at a time.
func (c *Client) notifyStateChanges() {
	for {
		c.notifyMu.Lock()
		q := c.notifyQ
		c.notifyQ = nil
		if len(q) == 0 {
			c.notifying = false
			c.notifyMu.Unlock()
			return
		}
		c.notifyMu.Unlock()

		for _, sc := range q {
			c.opts.OnStateChange(sc.from, sc.to)
		}
	}
}

// State returns the connection state.
func (c *Client) State() lifecycle.State {
	return c.machine.State()
}

// IsAuthenticated reports whether live delivery is active.
func (c *Client) IsAuthenticated() bool {
	return c.machine.Is(lifecycle.Authenticated)
}

// Subscribe registers fn for notifications of type typ.
func (c *Client) Subscribe(typ string, fn Handler) *Subscription {
	return c.router.Subscribe(typ, fn)
}

// SubscribeAll registers fn for every notification.
func (c *Client) SubscribeAll(fn Handler) *Subscription {
	return c.router.SubscribeAll(fn)
}

// Cursor returns the highest applied notification id.
func (c *Client) Cursor() uint64 {
	return c.router.Cursor()
}

// Latency returns the last measured heartbeat round trip.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// PollerRunning reports whether the HTTP fallback is active.
func (c *Client) PollerRunning() bool {
	return c.poller.Running()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect connects and authenticates with token. Concurrent calls while an
// attempt is in flight share its result. A rejected token returns
// ErrAuthFailed and is never retried; transport failures return
// ErrConnectFailed and, with auto-reconnect, schedule a retry.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if call := c.connecting; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.machine.Is(lifecycle.Authenticated) {
		c.mu.Unlock()
		return nil
	}

	if !c.cursorLoaded {
		if err := c.router.Load(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		c.cursorLoaded = true
	}

	if _, err := c.machine.FireFrom(lifecycle.Retry, lifecycle.ReconnectScheduled); err != nil {
		if _, err := c.machine.Fire(lifecycle.Connect); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}
	c.stopRetryTimerLocked()
	c.token = token
	c.attempt = 0
	c.superseded = false
	call := &connectCall{done: make(chan struct{})}
	c.connecting = call
	epoch := c.epoch
	c.mu.Unlock()

	err := c.dial(ctx, call, epoch)
	c.finish(call, err)
	return err
}

func (c *Client) retry(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	// Connect moves the state off ReconnectScheduled, so a racing manual
	// attempt wins here.
	if _, err := c.machine.FireFrom(lifecycle.Retry, lifecycle.ReconnectScheduled); err != nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	call := &connectCall{done: make(chan struct{})}
	c.connecting = call
	c.mu.Unlock()

	c.logger.Info("reconnect_attempt", slog.Int("attempt", c.currentAttempt()))
	err := c.dial(context.Background(), call, epoch)
	if err != nil {
		c.logger.Warn("reconnect_failed", slog.String("error", err.Error()))
	}
	c.finish(call, err)
}

func (c *Client) finish(call *connectCall, err error) {
	c.mu.Lock()
	if c.connecting == call {
		c.connecting = nil
	}
	c.mu.Unlock()
	call.err = err
	close(call.done)
}

func (c *Client) currentAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// dial runs one attempt from Connecting to Authenticated.
func (c *Client) dial(ctx context.Context, call *connectCall, epoch uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout+c.opts.AuthTimeout)
	defer cancel()
	c.mu.Lock()
	call.cancel = cancel
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return ErrClientClosed
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.opts.ConnectTimeout,
		EnableCompression: c.opts.Compression,
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return c.connectFailed(epoch, err)
	}

	// Disconnect or the attempt deadline unblocks the handshake reads.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	if err := c.fire(epoch, lifecycle.TransportUp, lifecycle.Connecting); err != nil {
		stop()
		conn.Close()
		return ErrClientClosed
	}

	if err := c.write(conn, protocol.EventAuthenticate, "", protocol.Authenticate{Token: c.currentToken()}); err != nil {
		stop()
		conn.Close()
		return c.connectFailed(epoch, err)
	}
	if err := c.fire(epoch, lifecycle.CredentialsSent, lifecycle.Connected); err != nil {
		stop()
		conn.Close()
		return ErrClientClosed
	}

	reason, err := c.awaitAuth(conn)
	if err != nil {
		stop()
		conn.Close()
		return c.connectFailed(epoch, err)
	}
	if reason != "" {
		stop()
		conn.Close()
		return c.authRejected(epoch, reason)
	}
	if !stop() {
		return c.connectFailed(epoch, ctx.Err())
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	if _, err := c.machine.FireFrom(lifecycle.AuthAccepted, lifecycle.Authenticating); err != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	tctx, tcancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = tcancel
	c.attempt = 0
	c.workers.Add(1)
	c.mu.Unlock()

	c.poller.Stop()
	conn.SetReadDeadline(time.Time{})

	c.logger.Info("client_authenticated", slog.String("url", c.opts.URL))

	go c.heartbeat(tctx, conn)
	go c.readLoop(tctx, conn)
	c.startCatchUp(tctx, conn)
	if c.opts.OnAuthenticated != nil {
		go c.opts.OnAuthenticated()
	}
	return nil
}

// fire applies e only while no Disconnect happened since the attempt began.
func (c *Client) fire(epoch uint64, e lifecycle.Event, from ...lifecycle.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return ErrClientClosed
	}
	_, err := c.machine.FireFrom(e, from...)
	return err
}

// awaitAuth reads until the server answers the authenticate frame. A
// non-empty reason means the token was rejected.
func (c *Client) awaitAuth(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(c.opts.AuthTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Debug("frame_decode_failed", slog.String("error", err.Error()))
			continue
		}

		switch f.Event {
		case protocol.EventAuthenticated:
			return "", nil
		case protocol.EventAuthenticationError:
			var e protocol.Error
			if err := f.Bind(&e); err != nil || e.Reason == "" {
				e.Reason = "authentication rejected"
			}
			return e.Reason, nil
		case protocol.EventError:
			var e protocol.Error
			if err := f.Bind(&e); err != nil {
				c.logger.Warn("error_frame_decode_failed", slog.String("error", err.Error()))
				continue
			}
			c.logger.Warn("server_error", slog.String("reason", e.Reason))
		}
	}
}

func (c *Client) connectFailed(epoch uint64, cause error) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrClientClosed
	}
	_, err := c.machine.FireFrom(lifecycle.TransportLost,
		lifecycle.Connecting, lifecycle.Connected, lifecycle.Authenticating)
	c.mu.Unlock()
	if err != nil {
		return ErrClientClosed
	}

	c.logger.Warn("connect_failed", slog.String("error", cause.Error()))
	c.poller.Start(c.opts.PollDelay)
	c.scheduleReconnect()
	return fmt.Errorf("%w: %w", ErrConnectFailed, cause)
}

func (c *Client) authRejected(epoch uint64, reason string) error {
	c.mu.Lock()
	if c.epoch == epoch {
		c.machine.FireFrom(lifecycle.AuthRejected, lifecycle.Authenticating)
	}
	c.stopRetryTimerLocked()
	c.mu.Unlock()

	c.poller.Stop()
	c.logger.Warn("authentication_rejected", slog.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrAuthFailed, reason)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opts.AutoReconnect || c.superseded {
		return
	}
	if c.backoff.Exhausted(c.attempt) {
		c.logger.Warn("reconnect_attempts_exhausted", slog.Int("attempts", c.attempt))
		return
	}
	if _, err := c.machine.FireFrom(lifecycle.ScheduleRetry, lifecycle.Disconnected); err != nil {
		return
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	epoch := c.epoch
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(epoch) })

	c.logger.Info("reconnect_scheduled",
		slog.Int("attempt", c.attempt),
		slog.Duration("delay", delay))
}

func (c *Client) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// Disconnect closes the client. It returns once the transport is closed and
// the heartbeat, reconnect timer and poller are stopped. It never schedules
// a reconnect. Handlers must not call it synchronously.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopRetryTimerLocked()
	if call := c.connecting; call != nil {
		if call.cancel != nil {
			call.cancel()
		}
		c.connecting = nil
	}
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel = nil, nil
	c.machine.Fire(lifecycle.Close)
	c.mu.Unlock()

	c.poller.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.failPending(ErrClientClosed)
	c.workers.Wait()

	c.logger.Info("client_disconnected")
}

func (c *Client) transportLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	cancel := c.connCancel
	c.conn, c.connCancel = nil, nil
	superseded := c.superseded
	_, err := c.machine.FireFrom(lifecycle.TransportLost, lifecycle.Authenticated)
	c.mu.Unlock()

	cancel()
	conn.Close()
	c.failPending(ErrConnectionLost)
	if err != nil {
		return
	}

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	if superseded {
		lost = ErrSessionSuperseded
	}
	c.logger.Warn("connection_lost", slog.String("error", lost.Error()))
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(lost)
	}

	c.poller.Start(c.opts.PollDelay)
	c.scheduleReconnect()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if c.opts.HeartbeatTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.transportLost(conn, err)
			return
		}

		f, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn("frame_decode_failed", slog.String("error", err.Error()))
			continue
		}
		c.handleFrame(ctx, conn, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, f *protocol.Frame) {
	switch f.Event {
	case protocol.EventNotification:
		res, err := c.router.Apply(ctx, f.Data)
		if err != nil {
			c.logger.Error("notification_apply_failed", slog.String("error", err.Error()))
		}
		// A failed cursor write leaves a gap below later pushes; an ordered
		// catch-up from the cursor closes it.
		if err != nil || res == Deferred {
			c.startCatchUp(ctx, conn)
		}

	case protocol.EventSyncResult:
		c.handleSyncResult(ctx, f)

	case protocol.EventPong:
		var p protocol.Ping
		if err := f.Bind(&p); err == nil && p.Timestamp > 0 {
			rtt := time.Since(time.UnixMilli(p.Timestamp))
			c.latency.Store(int64(rtt))
		}

	case protocol.EventError:
		var e protocol.Error
		if err := f.Bind(&e); err != nil {
			c.logger.Warn("error_frame_decode_failed",
				slog.String("request_id", f.RequestID),
				slog.String("error", err.Error()))
			e.Reason = protocol.ReasonMalformedFrame
		}
		if e.Reason == protocol.ReasonSuperseded {
			c.mu.Lock()
			c.superseded = true
			c.mu.Unlock()
		}
		c.logger.Warn("server_error", slog.String("reason", e.Reason), slog.String("request_id", f.RequestID))
		if f.RequestID != "" {
			c.resolve(f.RequestID, syncReply{err: fmt.Errorf("%w: %s", ErrSyncRejected, e.Reason)})
		}

	default:
		c.logger.Debug("unexpected_frame", slog.String("event", string(f.Event)))
	}
}

// handleSyncResult applies the batch in order on the read goroutine, so a
// live push that follows it on the wire is never routed first.
func (c *Client) handleSyncResult(ctx context.Context, f *protocol.Frame) {
	var res protocol.SyncResult
	if err := f.Bind(&res); err != nil {
		c.resolve(f.RequestID, syncReply{err: err})
		return
	}

	var last uint64
	for _, raw := range res.Notifications {
		if _, err := c.router.ApplyOrdered(ctx, raw); err != nil {
			c.resolve(f.RequestID, syncReply{err: err})
			return
		}
		if n, _ := protocol.ParseNotification(raw); n.ID > last {
			last = n.ID
		}
	}
	c.resolve(f.RequestID, syncReply{hasMore: res.HasMore, lastID: last})
}

func (c *Client) resolve(requestID string, r syncReply) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan syncReply)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- syncReply{err: err}
	}
}

// Sync pulls every notification after the cursor over the live connection.
func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.reconcile(ctx, conn)
}

// startCatchUp runs reconcile on conn unless one is already running there.
func (c *Client) startCatchUp(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn || c.syncingConn == conn {
		c.mu.Unlock()
		return
	}
	c.syncingConn = conn
	c.workers.Add(1)
	c.mu.Unlock()

	go c.catchUp(ctx, conn)
}

// catchUp retries reconcile with backoff while conn is current. When every
// attempt fails the transport is closed so the read loop reports the loss
// and the reconnect path syncs again from the durable cursor.
func (c *Client) catchUp(ctx context.Context, conn *websocket.Conn) {
	defer c.workers.Done()
	defer func() {
		c.mu.Lock()
		if c.syncingConn == conn {
			c.syncingConn = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		err := c.reconcile(ctx, conn)
		if err == nil || ctx.Err() != nil {
			return
		}
		if attempt+1 >= syncAttempts {
			c.logger.Warn("reconciliation_failed",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()))
			conn.Close()
			return
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Info("reconciliation_retry",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) reconcile(ctx context.Context, conn *websocket.Conn) error {
	after := c.router.Cursor()
	for {
		r, err := c.requestSync(ctx, conn, after)
		if err != nil {
			return err
		}
		if !r.hasMore {
			return nil
		}
		next := max(c.router.Cursor(), r.lastID)
		if next <= after {
			return nil
		}
		after = next
	}
}

func (c *Client) requestSync(ctx context.Context, conn *websocket.Conn, after uint64) (syncReply, error) {
	reqID := strconv.FormatUint(c.reqSeq.Add(1), 10)
	ch := make(chan syncReply, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	req := protocol.SyncRequest{AfterID: after, Limit: c.opts.SyncLimit}
	if err := c.write(conn, protocol.EventSync, reqID, req); err != nil {
		c.resolve(reqID, syncReply{})
		return syncReply{}, err
	}

	timer := time.NewTimer(c.opts.SyncTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, r.err
	case <-timer.C:
		c.resolve(reqID, syncReply{})
		return syncReply{}, ErrTimeout
	case <-ctx.Done():
		c.resolve(reqID, syncReply{})
		return syncReply{}, ctx.Err()
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.workers.Done()
	if c.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := protocol.Ping{Timestamp: time.Now().UnixMilli()}
			if err := c.write(conn, protocol.EventPing, "", ping); err != nil {
				// The read loop reports the loss.
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) sendAck(id uint64) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, protocol.EventAck, "", protocol.Ack{NotificationID: id})
}

func (c *Client) write(conn *websocket.Conn, event protocol.Event, requestID string, data any) error {
	msg, err := protocol.Encode(event, requestID, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}
