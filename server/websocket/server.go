// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/session"
	"github.com/gorilla/websocket"
)

const defaultMaxMessageSize = 64 * 1024

var errUnexpectedMessageType = errors.New("expected text message")

// ConnLimiter decides whether a new connection from addr is accepted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	// MaxConnections caps concurrent sockets; 0 means unlimited.
	MaxConnections    int
	MaxMessageSize    int64
	EnableCompression bool
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

type Server struct {
	config   Config
	handler  *session.Handler
	limiter  ConnLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	connSem  chan struct{}

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a WebSocket server running the notification protocol.
// limiter may be nil.
func New(cfg Config, h *session.Handler, limiter ConnLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		handler: h,
		limiter: limiter,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			EnableCompression: cfg.EnableCompression,
			CheckOrigin:       checkOrigin(cfg.AllowedOrigins),
		},
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving upgrades.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		return s.Shutdown()
	}
}

// Shutdown stops accepting upgrades, closes every session and waits for
// them to finish.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by http.Server.
	err := s.server.Shutdown(shutdownCtx)
	s.cancel()
	s.handler.Manager().Close("")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		err = errors.Join(err, shutdownCtx.Err())
	}

	if err != nil {
		s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket_server_stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	addr := &wsAddr{addr: r.RemoteAddr}
	if s.limiter != nil && !s.limiter.Allow(addr) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	if !s.acquire() {
		s.logger.Warn("websocket_connection_limit_reached", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	ws.SetReadLimit(s.config.MaxMessageSize)
	conn := newWSConnection(ws, addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.handler.Serve(s.baseCtx, conn)
	}()
}

func (s *Server) acquire() bool {
	if s.connSem == nil {
		return true
	}
	select {
	case s.connSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

var _ session.Connection = (*wsConnection)(nil)

// wsConnection implements session.Connection over text WebSocket frames.
type wsConnection struct {
	ws         *websocket.Conn
	remoteAddr net.Addr
	mu         sync.Mutex
	closed     bool
}

func newWSConnection(ws *websocket.Conn, addr net.Addr) *wsConnection {
	return &wsConnection{
		ws:         ws,
		remoteAddr: addr,
	}
}

func (c *wsConnection) ReadFrame() ([]byte, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		// Frames are JSON; a binary frame cannot be decoded.
		return nil, errUnexpectedMessageType
	}
	return data, nil
}

func (c *wsConnection) WriteFrame(b []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.ws.Close()
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *wsConnection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConnection) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
