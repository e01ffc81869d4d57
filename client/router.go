// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxnotify/protocol"
)

// Handler consumes an applied notification.
type Handler func(n protocol.Notification)

// AckFunc acknowledges a notification id. Errors are logged, never retried.
type AckFunc func(id uint64) error

// Result tells the caller what Apply did with an item.
type Result int

// Apply results.
const (
	Applied Result = iota
	Duplicate
	Dropped
	// Deferred items sit above an id whose cursor write failed. They are
	// neither dispatched nor ACKed, so the server redelivers them.
	Deferred
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	default:
		return "dropped"
	}
}

// Subscription is a registered handler.
type Subscription struct {
	router *Router
	id     uint64
	typ    string
}

// Unsubscribe removes this handler only. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.router.remove(s)
}

type subscriber struct {
	fn Handler
	id uint64
}

// Router is the single owner of the client cursor. Live pushes, connect-time
// reconciliation and the fallback poller all go through Apply.
type Router struct {
	cursors     CursorStore
	recipientID string
	logger      *slog.Logger

	// applyMu serializes Apply so the cursor only moves forward in order.
	applyMu sync.Mutex
	cursor  uint64
	// blocked is the lowest id whose cursor write failed, 0 when none.
	blocked uint64
	ack     AckFunc

	subMu  sync.RWMutex
	nextID uint64
	byType map[string][]subscriber
	all    []subscriber
}

// NewRouter creates a router keyed by recipientID. A nil store keeps the
// cursor in memory.
func NewRouter(store CursorStore, recipientID string, logger *slog.Logger) *Router {
	if store == nil {
		store = NewMemoryCursorStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cursors:     store,
		recipientID: recipientID,
		logger:      logger,
		byType:      make(map[string][]subscriber),
	}
}

// Load reads the persisted cursor. Absence means 0.
func (r *Router) Load(ctx context.Context) error {
	id, err := r.cursors.Load(ctx, r.recipientID)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	r.applyMu.Lock()
	r.cursor = max(r.cursor, id)
	r.applyMu.Unlock()
	return nil
}

// Cursor returns the highest applied id.
func (r *Router) Cursor() uint64 {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.cursor
}

// SetAck sets the function used to acknowledge items. A nil ack disables
// acknowledgements (HTTP paths have nothing to ACK over).
func (r *Router) SetAck(ack AckFunc) {
	r.applyMu.Lock()
	r.ack = ack
	r.applyMu.Unlock()
}

// Subscribe registers fn for notifications of type typ.
func (r *Router) Subscribe(typ string, fn Handler) *Subscription {
	return r.add(typ, fn)
}

// SubscribeAll registers fn for every notification type.
func (r *Router) SubscribeAll(fn Handler) *Subscription {
	return r.add("", fn)
}

func (r *Router) add(typ string, fn Handler) *Subscription {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextID++
	s := subscriber{id: r.nextID, fn: fn}
	if typ == "" {
		r.all = append(r.all, s)
	} else {
		r.byType[typ] = append(r.byType[typ], s)
	}
	return &Subscription{router: r, id: s.id, typ: typ}
}

func (r *Router) remove(sub *Subscription) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if sub.typ == "" {
		r.all = without(r.all, sub.id)
		return
	}
	subs := without(r.byType[sub.typ], sub.id)
	if len(subs) == 0 {
		delete(r.byType, sub.typ)
		return
	}
	r.byType[sub.typ] = subs
}

func without(subs []subscriber, id uint64) []subscriber {
	out := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Apply routes one live notification.
//
// Ids at or below the cursor are duplicates: handlers are skipped but the
// item is ACKed again. A new id is persisted before handlers run; when
// persisting fails nothing is invoked or ACKed so the server redelivers, and
// every higher id is Deferred until the failed one is applied.
// Malformed items are ACKed when an id can be extracted and dropped either way.
func (r *Router) Apply(ctx context.Context, raw json.RawMessage) (Result, error) {
	return r.apply(ctx, raw, false)
}

// ApplyOrdered routes one item of a reconciliation page. Pages list every
// retained id after the cursor in ascending order, so an item there may pass
// a blocked id: anything missing below it no longer exists on the server.
func (r *Router) ApplyOrdered(ctx context.Context, raw json.RawMessage) (Result, error) {
	return r.apply(ctx, raw, true)
}

// Blocked reports whether live items are being deferred.
func (r *Router) Blocked() bool {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.blocked != 0
}

func (r *Router) apply(ctx context.Context, raw json.RawMessage, ordered bool) (Result, error) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	n, err := protocol.ParseNotification(raw)
	if err != nil {
		if n.ID == 0 {
			r.logger.Warn("notification_dropped", slog.String("error", err.Error()))
			return Dropped, nil
		}
		r.logger.Warn("notification_malformed",
			slog.Uint64("id", n.ID),
			slog.String("error", err.Error()))
		r.sendAck(n.ID)
		return Dropped, nil
	}

	if n.ID <= r.cursor {
		r.logger.Debug("notification_duplicate",
			slog.Uint64("id", n.ID),
			slog.Uint64("cursor", r.cursor))
		r.sendAck(n.ID)
		return Duplicate, nil
	}

	if r.blocked != 0 && n.ID > r.blocked && !ordered {
		r.logger.Debug("notification_deferred",
			slog.Uint64("id", n.ID),
			slog.Uint64("blocked_at", r.blocked))
		return Deferred, nil
	}

	if err := r.cursors.Save(ctx, r.recipientID, n.ID); err != nil {
		if r.blocked == 0 || n.ID < r.blocked {
			r.blocked = n.ID
		}
		return Dropped, fmt.Errorf("failed to persist cursor %d: %w", n.ID, err)
	}
	r.cursor = n.ID
	if r.blocked != 0 && n.ID >= r.blocked {
		r.blocked = 0
	}

	r.dispatch(n)
	r.sendAck(n.ID)
	return Applied, nil
}

func (r *Router) dispatch(n protocol.Notification) {
	r.subMu.RLock()
	handlers := make([]subscriber, 0, len(r.byType[n.Type])+len(r.all))
	handlers = append(handlers, r.byType[n.Type]...)
	handlers = append(handlers, r.all...)
	r.subMu.RUnlock()

	for _, s := range handlers {
		r.invoke(s.fn, n)
	}
}

func (r *Router) invoke(fn Handler, n protocol.Notification) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("notification_handler_panic",
				slog.Uint64("id", n.ID),
				slog.String("type", n.Type),
				slog.Any("panic", p))
		}
	}()
	fn(n)
}

func (r *Router) sendAck(id uint64) {
	if r.ack == nil {
		return
	}
	if err := r.ack(id); err != nil && !errors.Is(err, ErrNotConnected) {
		r.logger.Debug("ack_failed", slog.Uint64("id", id), slog.String("error", err.Error()))
	}
}
