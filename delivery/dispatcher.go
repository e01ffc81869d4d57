// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the durable delivery queue and the
// per-recipient workers that push notifications and await ACKs.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/storage"
)

// Defaults.
const (
	DefaultAckTimeout        = 5 * time.Second
	DefaultMaxAttempts       = 5
	DefaultMaxInflight       = 10
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultRetentionInterval = time.Hour
)

// ErrClosed is returned once the dispatcher has been closed.
var ErrClosed = errors.New("dispatcher closed")

// Conn is a ready, authenticated connection a worker pushes to.
type Conn interface {
	ID() string
	Push(ctx context.Context, n *storage.Notification) error
}

// Config holds delivery settings.
type Config struct {
	AckTimeout        time.Duration
	MaxAttempts       int
	MaxInflight       int
	Retention         time.Duration
	RetentionInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
}

// Dispatcher owns one worker per recipient with a ready connection.
// Recipients without a connection have no worker; their items stay queued.
type Dispatcher struct {
	cfg     Config
	store   storage.NotificationStore
	queue   *Queue
	logger  *slog.Logger
	metrics Metrics

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(cfg Config, store storage.NotificationStore, logger *slog.Logger, metrics Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		queue:   NewQueue(store, cfg.MaxAttempts, logger),
		logger:  logger,
		metrics: metrics,
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Queue returns the underlying delivery queue.
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Start recovers items left in flight by a previous run and starts the
// retention sweep when a retention horizon is configured.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.queue.Recover(ctx); err != nil {
		return err
	}

	if d.cfg.Retention > 0 {
		d.wg.Add(1)
		go d.retentionLoop()
	}

	d.logger.Info("delivery_dispatcher_started",
		slog.Duration("ack_timeout", d.cfg.AckTimeout),
		slog.Int("max_attempts", d.cfg.MaxAttempts),
		slog.Int("max_inflight", d.cfg.MaxInflight),
		slog.Duration("retention", d.cfg.Retention))
	return nil
}

// Enqueue persists a notification and wakes the recipient's worker.
func (d *Dispatcher) Enqueue(ctx context.Context, recipientID string, typ storage.Type, payload json.RawMessage) (*storage.Notification, error) {
	n, err := d.queue.Enqueue(ctx, recipientID, typ, payload)
	if err != nil {
		return nil, err
	}

	d.metrics.RecordEnqueued(string(typ))
	d.logger.Debug("notification_enqueued",
		slog.String("recipient_id", recipientID),
		slog.Uint64("id", n.ID),
		slog.String("type", string(typ)))

	d.wake(recipientID)
	return n, nil
}

// Attach binds conn as the recipient's live connection and starts pushing.
// A worker bound to a previous connection is stopped and its in-flight
// items are released for redelivery on conn.
func (d *Dispatcher) Attach(recipientID string, conn Conn) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.workers[recipientID]
	w := newWorker(d, recipientID, conn)
	d.workers[recipientID] = w
	d.wg.Add(1)
	go w.run(d.ctx)
	d.mu.Unlock()

	d.logger.Debug("delivery_worker_attached",
		slog.String("recipient_id", recipientID),
		slog.String("conn_id", conn.ID()))

	if old != nil {
		old.stop()
		w.wake()
	}
	return nil
}

// Detach stops the recipient's worker if it is still bound to connID.
func (d *Dispatcher) Detach(recipientID, connID string) {
	d.mu.Lock()
	w, ok := d.workers[recipientID]
	if !ok || w.conn.ID() != connID {
		d.mu.Unlock()
		return
	}
	delete(d.workers, recipientID)
	d.mu.Unlock()

	w.stop()

	d.logger.Debug("delivery_worker_detached",
		slog.String("recipient_id", recipientID),
		slog.String("conn_id", connID))
}

// Ack records a client acknowledgement.
func (d *Dispatcher) Ack(ctx context.Context, recipientID string, id uint64) error {
	n, changed, err := d.queue.Ack(ctx, recipientID, id)
	if err != nil {
		return err
	}

	if changed {
		var latency time.Duration
		if !n.SentAt.IsZero() {
			latency = time.Since(n.SentAt)
		}
		d.metrics.RecordAcked(latency)
	}

	d.mu.Lock()
	w := d.workers[recipientID]
	d.mu.Unlock()
	if w != nil {
		w.ack(id)
	}
	return nil
}

// Connected reports whether the recipient has an attached connection.
func (d *Dispatcher) Connected(recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.workers[recipientID]
	return ok
}

// ActiveWorkers returns the number of running recipient workers.
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops all workers and the retention sweep.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	clear(d.workers)
	d.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) wake(recipientID string) {
	d.mu.Lock()
	w := d.workers[recipientID]
	d.mu.Unlock()
	if w != nil {
		w.wake()
	}
}

func (d *Dispatcher) retentionLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

func (d *Dispatcher) prune() {
	before := time.Now().Add(-d.cfg.Retention)
	removed, err := d.store.Prune(d.ctx, before)
	if err != nil {
		d.logger.Error("retention_prune_failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		d.metrics.RecordPruned(removed)
		d.logger.Info("retention_pruned",
			slog.Int("removed", removed),
			slog.Time("before", before))
	}
}
