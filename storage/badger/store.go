// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxnotify/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	notifications *NotificationStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// SyncWrites fsyncs every commit. Enqueued notifications must survive
	// a crash, so this is on unless explicitly disabled.
	SyncWrites bool

	// CompressPayloads stores records s2-compressed.
	CompressPayloads bool

	// GCInterval is the value log GC period (default 5m).
	GCInterval time.Duration
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	s := &Store{
		db:            db,
		notifications: NewNotificationStore(db, newCodec(cfg.CompressPayloads)),
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	go s.runGC(cfg.GCInterval)

	return s, nil
}

// Notifications returns the notification store.
func (s *Store) Notifications() storage.NotificationStore {
	return s.notifications
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return storage.ErrClosed
	}
	return nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns ErrNoRewrite when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
