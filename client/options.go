// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fluxnotify/lifecycle"
)

// Default values.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultAuthTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultSyncTimeout          = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 75 * time.Second
	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectMax         = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultSyncLimit            = 500
	DefaultPollInterval         = 2 * time.Minute
	DefaultPollDelay            = 5 * time.Second
	DefaultBreakerFailures      = 3
	DefaultBreakerTimeout       = 5 * time.Minute
)

// Options configures the notification client.
type Options struct {
	// Connection
	URL            string        // WebSocket endpoint, e.g. wss://host/ws
	APIURL         string        // HTTP API base for the fallback poller ("" disables it)
	RecipientID    string        // Cursor key; one client serves one recipient
	ConnectTimeout time.Duration // Dial and handshake timeout
	AuthTimeout    time.Duration // Wait for authenticated / authentication_error
	WriteTimeout   time.Duration // Per-frame write timeout
	SyncTimeout    time.Duration // Wait for one sync_result
	SyncLimit      int           // Page size of reconciliation requests
	Compression    bool          // Negotiate permessage-deflate

	// Heartbeat
	HeartbeatInterval time.Duration // Ping period
	HeartbeatTimeout  time.Duration // Silence after which the transport is lost

	// Reconnection
	AutoReconnect        bool
	ReconnectBase        time.Duration // Delay before the first retry
	ReconnectMax         time.Duration // Cap on any single delay
	MaxReconnectAttempts int           // Retries before giving up (poller keeps running)

	// Fallback polling
	PollInterval    time.Duration
	PollDelay       time.Duration // Disconnected time before the first poll
	BreakerFailures uint32        // Consecutive HTTP failures that open the breaker
	BreakerTimeout  time.Duration // Open breaker duration
	HTTPClient      *http.Client

	// Callbacks; invoked on their own goroutine.
	OnStateChange    func(from, to lifecycle.State)
	OnAuthenticated  func()
	OnConnectionLost func(error)

	Cursor CursorStore // Cursor persistence (nil = in-memory)
	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		RecipientID:          "default",
		ConnectTimeout:       DefaultConnectTimeout,
		AuthTimeout:          DefaultAuthTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		SyncTimeout:          DefaultSyncTimeout,
		SyncLimit:            DefaultSyncLimit,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		AutoReconnect:        true,
		ReconnectBase:        DefaultReconnectBase,
		ReconnectMax:         DefaultReconnectMax,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		PollInterval:         DefaultPollInterval,
		PollDelay:            DefaultPollDelay,
		BreakerFailures:      DefaultBreakerFailures,
		BreakerTimeout:       DefaultBreakerTimeout,
	}
}

// SetURL sets the WebSocket endpoint.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAPIURL sets the HTTP API base used by the fallback poller.
func (o *Options) SetAPIURL(u string) *Options {
	o.APIURL = u
	return o
}

// SetRecipientID sets the key the cursor is stored under.
func (o *Options) SetRecipientID(id string) *Options {
	o.RecipientID = id
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetReconnectBackoff sets the base and cap of the reconnect delay and the
// number of attempts.
func (o *Options) SetReconnectBackoff(base, max time.Duration, attempts int) *Options {
	o.ReconnectBase = base
	o.ReconnectMax = max
	o.MaxReconnectAttempts = attempts
	return o
}

// SetHeartbeat sets the ping interval and the silence timeout.
func (o *Options) SetHeartbeat(interval, timeout time.Duration) *Options {
	o.HeartbeatInterval = interval
	o.HeartbeatTimeout = timeout
	return o
}

// SetPolling sets the fallback poll delay and interval.
func (o *Options) SetPolling(delay, interval time.Duration) *Options {
	o.PollDelay = delay
	o.PollInterval = interval
	return o
}

// SetCursorStore sets the cursor persistence backend.
func (o *Options) SetCursorStore(s CursorStore) *Options {
	o.Cursor = s
	return o
}

// SetLogger sets the client logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetOnStateChange sets the lifecycle transition callback.
func (o *Options) SetOnStateChange(fn func(from, to lifecycle.State)) *Options {
	o.OnStateChange = fn
	return o
}

// SetOnAuthenticated sets the callback run after each successful
// authentication.
func (o *Options) SetOnAuthenticated(fn func()) *Options {
	o.OnAuthenticated = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options for errors and fills unset values.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrNoURL
	}
	if _, err := url.Parse(o.URL); err != nil {
		return ErrInvalidURL
	}
	if o.APIURL != "" {
		if _, err := url.Parse(o.APIURL); err != nil {
			return ErrInvalidURL
		}
	}
	if o.RecipientID == "" {
		return ErrEmptyRecipientID
	}
	if o.ReconnectBase <= 0 || o.ReconnectMax < o.ReconnectBase {
		return ErrInvalidBackoff
	}
	if o.HeartbeatInterval > 0 && o.HeartbeatTimeout <= o.HeartbeatInterval {
		return ErrInvalidHeartbeat
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
	if o.SyncLimit <= 0 {
		o.SyncLimit = DefaultSyncLimit
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = DefaultBreakerTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
