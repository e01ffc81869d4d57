// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyRateLimiter keeps one token bucket per key and forgets keys that stay
// idle for two cleanup intervals.
type KeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyRateLimiter creates a keyed limiter allowing r events per second
// with the given burst.
func NewKeyRateLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &KeyRateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an event for key may happen now.
func (l *KeyRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets key.
func (l *KeyRateLimiter) Remove(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *KeyRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	keys *KeyRateLimiter
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	return &IPRateLimiter{keys: NewKeyRateLimiter(r, burst, cleanupInterval)}
}

// Allow checks if a connection from the given IP address is allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.keys.Allow(ip)
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.keys.Stop()
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Poll       KeyConfig        `yaml:"poll"`
	Enqueue    KeyConfig        `yaml:"enqueue"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// KeyConfig holds per-key request rate limiting settings.
type KeyConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second per key
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Poll: KeyConfig{
			Enabled: true,
			Rate:    1.0 / 10.0, // one poll every 10s per recipient
			Burst:   5,
		},
		Enqueue: KeyConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	poll     *KeyRateLimiter
	enqueue  *KeyRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Poll.Enabled {
		m.poll = NewKeyRateLimiter(cfg.Poll.Rate, cfg.Poll.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Enqueue.Enabled {
		m.enqueue = NewKeyRateLimiter(cfg.Enqueue.Rate, cfg.Enqueue.Burst, cfg.Connection.CleanupInterval)
	}
	return m
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// Allow implements the connection limiter used by the WebSocket server.
func (m *Manager) Allow(addr net.Addr) bool {
	return m.AllowConnection(addr)
}

// AllowPoll checks if a fallback poll by the recipient is allowed.
func (m *Manager) AllowPoll(recipientID string) bool {
	if m.disabled || m.poll == nil {
		return true
	}
	return m.poll.Allow(recipientID)
}

// AllowEnqueue checks if a producer may enqueue for the recipient.
func (m *Manager) AllowEnqueue(recipientID string) bool {
	if m.disabled || m.enqueue == nil {
		return true
	}
	return m.enqueue.Allow(recipientID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
	if m.poll != nil {
		m.poll.Stop()
	}
	if m.enqueue != nil {
		m.enqueue.Stop()
	}
}
