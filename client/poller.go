// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/protocol"
	"github.com/sony/gobreaker"
)

// PollerConfig configures the HTTP fallback poller.
type PollerConfig struct {
	APIURL          string
	Interval        time.Duration
	Limit           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	HTTPClient      *http.Client
}

// Poller pulls missed notifications over HTTP while the socket is down.
// Every tick drains the backlog after the router cursor and applies it
// through the router.
type Poller struct {
	cfg     PollerConfig
	router  *Router
	token   func() string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPoller creates a stopped poller. token is read before every request.
func NewPoller(cfg PollerConfig, router *Router, token func() string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	failures := max(cfg.BreakerFailures, 1)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reconcile-http",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("poll_breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Poller{
		cfg:     cfg,
		router:  router,
		token:   token,
		breaker: breaker,
		logger:  logger,
	}
}

// Enabled reports whether an API URL is configured.
func (p *Poller) Enabled() bool {
	return p.cfg.APIURL != ""
}

// Start begins polling after delay. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(delay time.Duration) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.run(ctx, delay, p.stopped)

	p.logger.Debug("poller_started", slog.Duration("delay", delay))
}

// Stop halts polling and waits for an in-progress poll to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Debug("poller_stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, delay time.Duration, stopped chan struct{}) {
	defer close(stopped)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := p.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn("poll_failed", slog.String("error", err.Error()))
		case n > 0:
			p.logger.Info("poll_applied", slog.Int("count", n))
		}
		timer.Reset(p.cfg.Interval)
	}
}

// Poll drains every page after the router cursor and returns how many items
// were newly applied.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	applied := 0
	after := p.router.Cursor()
	for {
		res, err := p.fetch(ctx, after)
		if err != nil {
			return applied, err
		}

		last := after
		for _, raw := range res.Notifications {
			r, err := p.router.ApplyOrdered(ctx, raw)
			if err != nil {
				return applied, err
			}
			if r == Applied {
				applied++
			}
			if n, _ := protocol.ParseNotification(raw); n.ID > last {
				last = n.ID
			}
		}

		if !res.HasMore || last == after {
			return applied, nil
		}
		after = last
	}
}

func (p *Poller) fetch(ctx context.Context, after uint64) (protocol.SyncResult, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.get(ctx, after)
	})
	if err != nil {
		return protocol.SyncResult{}, fmt.Errorf("%w: %w", ErrPollFailed, err)
	}
	return out.(protocol.SyncResult), nil
}

func (p *Poller) get(ctx context.Context, after uint64) (protocol.SyncResult, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if p.cfg.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.cfg.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.APIURL+"/v1/notifications?"+q.Encode(), nil)
	if err != nil {
		return protocol.SyncResult{}, err
	}
	if tok := p.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return protocol.SyncResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.SyncResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res protocol.SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return protocol.SyncResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}
