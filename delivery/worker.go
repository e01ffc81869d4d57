// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// worker pushes one recipient's queued notifications to one connection.
// It runs only when woken: on attach, enqueue, ACK or ACK timeout.
type worker struct {
	d           *Dispatcher
	recipientID string
	conn        Conn

	wakeCh    chan struct{}
	timeoutCh chan uint64
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	inflight map[uint64]*time.Timer
}

func newWorker(d *Dispatcher, recipientID string, conn Conn) *worker {
	return &worker{
		d:           d,
		recipientID: recipientID,
		conn:        conn,
		wakeCh:      make(chan struct{}, 1),
		timeoutCh:   make(chan uint64, d.cfg.MaxInflight),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		inflight:    make(map[uint64]*time.Timer),
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.d.wg.Done()
	defer close(w.done)

	w.fill(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-w.wakeCh:
			w.fill(ctx)
		case id := <-w.timeoutCh:
			w.timeout(ctx, id)
			w.fill(ctx)
		}
	}
}

// wake schedules a fill; wakeups coalesce.
func (w *worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// ack cancels the ACK timer for id and frees its window slot.
func (w *worker) ack(id uint64) {
	w.mu.Lock()
	t, ok := w.inflight[id]
	if ok {
		t.Stop()
		delete(w.inflight, id)
	}
	w.mu.Unlock()

	if ok {
		w.wake()
	}
}

// stop terminates the worker and releases everything still in flight.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done

	w.mu.Lock()
	ids := make([]uint64, 0, len(w.inflight))
	for id, t := range w.inflight {
		t.Stop()
		ids = append(ids, id)
	}
	clear(w.inflight)
	w.mu.Unlock()

	for _, id := range ids {
		if _, err := w.d.queue.Release(context.Background(), w.recipientID, id); err != nil {
			w.d.logger.Error("delivery_release_failed",
				slog.String("recipient_id", w.recipientID),
				slog.Uint64("id", id),
				slog.String("error", err.Error()))
		}
	}
}

func (w *worker) startTimer(id uint64) {
	t := time.AfterFunc(w.d.cfg.AckTimeout, func() {
		select {
		case w.timeoutCh <- id:
		case <-w.stopCh:
		}
	})

	w.mu.Lock()
	w.inflight[id] = t
	w.mu.Unlock()
}

func (w *worker) forget(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.inflight[id]
	if ok {
		t.Stop()
		delete(w.inflight, id)
	}
	return ok
}

func (w *worker) timeout(ctx context.Context, id uint64) {
	if !w.forget(id) {
		return
	}

	n, changed, err := w.d.queue.Requeue(ctx, w.recipientID, id)
	if err != nil {
		w.d.logger.Error("delivery_requeue_failed",
			slog.String("recipient_id", w.recipientID),
			slog.Uint64("id", id),
			slog.String("error", err.Error()))
		return
	}
	if !changed {
		return
	}

	if n.State.Terminal() {
		w.d.metrics.RecordExpired()
		w.d.logger.Warn("notification_expired",
			slog.String("recipient_id", w.recipientID),
			slog.Uint64("id", id),
			slog.Int("attempts", n.Attempts))
		return
	}

	w.d.metrics.RecordRedelivery()
	w.d.logger.Debug("notification_ack_timeout",
		slog.String("recipient_id", w.recipientID),
		slog.Uint64("id", id),
		slog.Int("attempts", n.Attempts))
}

// fill pushes queued items in id order until the in-flight window is full.
func (w *worker) fill(ctx context.Context) {
	w.mu.Lock()
	busy := len(w.inflight)
	w.mu.Unlock()

	free := w.d.cfg.MaxInflight - busy
	if free <= 0 {
		return
	}

	items, err := w.d.queue.NextQueued(ctx, w.recipientID, free, free+busy)
	if err != nil {
		w.d.logger.Error("delivery_dequeue_failed",
			slog.String("recipient_id", w.recipientID),
			slog.String("error", err.Error()))
		return
	}

	for _, item := range items {
		select {
		case <-w.stopCh:
			return
		default:
		}

		n, ok, err := w.d.queue.MarkSent(ctx, w.recipientID, item.ID)
		if err != nil {
			w.d.logger.Error("delivery_mark_sent_failed",
				slog.String("recipient_id", w.recipientID),
				slog.Uint64("id", item.ID),
				slog.String("error", err.Error()))
			return
		}
		if !ok {
			continue
		}

		w.startTimer(n.ID)
		if err := w.conn.Push(ctx, n); err != nil {
			w.forget(n.ID)
			if _, rerr := w.d.queue.Release(context.Background(), w.recipientID, n.ID); rerr != nil {
				w.d.logger.Error("delivery_release_failed",
					slog.String("recipient_id", w.recipientID),
					slog.Uint64("id", n.ID),
					slog.String("error", rerr.Error()))
			}
			w.d.logger.Debug("delivery_push_failed",
				slog.String("recipient_id", w.recipientID),
				slog.String("conn_id", w.conn.ID()),
				slog.Uint64("id", n.ID),
				slog.String("error", err.Error()))
			return
		}

		w.d.metrics.RecordPushed()
	}
}
