// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/absmach/fluxnotify/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.NotificationStore = (*NotificationStore)(nil)

const (
	seqPrefix     = "seq/"
	recordPrefix  = "n/"
	pendingPrefix = "p/"

	idLen          = 8
	maxTxnConflict = 16
)

// NotificationStore implements storage.NotificationStore using BadgerDB.
//
// Key format:
//   - Sequence: seq/{recipient}
//   - Record:   n/{recipient}/{id}
//   - Pending:  p/{recipient}/{id}
//
// The recipient is path-escaped and the id is 8 bytes big-endian, so a
// prefix scan yields a recipient's log in id order.
type NotificationStore struct {
	db    *badger.DB
	codec codec
}

// NewNotificationStore creates a new BadgerDB notification store.
func NewNotificationStore(db *badger.DB, c codec) *NotificationStore {
	return &NotificationStore{db: db, codec: c}
}

func seqKey(recipientID string) []byte {
	return []byte(seqPrefix + url.PathEscape(recipientID))
}

func logPrefix(prefix, recipientID string) []byte {
	return []byte(prefix + url.PathEscape(recipientID) + "/")
}

func idKey(prefix, recipientID string, id uint64) []byte {
	key := logPrefix(prefix, recipientID)
	return binary.BigEndian.AppendUint64(key, id)
}

// recipientFromKey extracts the recipient of a record or pending key.
func recipientFromKey(prefix string, key []byte) (string, error) {
	if len(key) < len(prefix)+idLen+1 {
		return "", fmt.Errorf("malformed key %q", key)
	}
	return url.PathUnescape(string(key[len(prefix) : len(key)-idLen-1]))
}

// Append assigns the next id and stores the notification in one transaction.
func (s *NotificationStore) Append(ctx context.Context, n *storage.Notification) (*storage.Notification, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	stored := n.Clone()
	stored.State = storage.StateQueued
	stored.Attempts = 0
	stored.SentAt = time.Time{}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	var err error
	for range maxTxnConflict {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			seq, err := readSeq(txn, n.RecipientID)
			if err != nil {
				return err
			}
			stored.ID = seq + 1

			val, err := s.codec.encode(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(seqKey(n.RecipientID), binary.BigEndian.AppendUint64(nil, stored.ID)); err != nil {
				return err
			}
			if err := txn.Set(idKey(recordPrefix, n.RecipientID, stored.ID), val); err != nil {
				return err
			}
			return txn.Set(idKey(pendingPrefix, n.RecipientID, stored.ID), nil)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	return stored, nil
}

func readSeq(txn *badger.Txn, recipientID string) (uint64, error) {
	item, err := txn.Get(seqKey(recipientID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != idLen {
			return fmt.Errorf("corrupt sequence for %q", recipientID)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

func (s *NotificationStore) read(txn *badger.Txn, recipientID string, id uint64) (*storage.Notification, error) {
	item, err := txn.Get(idKey(recordPrefix, recipientID, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var n *storage.Notification
	err = item.Value(func(val []byte) error {
		var derr error
		n, derr = s.codec.decode(val)
		return derr
	})
	return n, err
}

// Get retrieves a notification by recipient and id.
func (s *NotificationStore) Get(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error) {
	var n *storage.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = s.read(txn, recipientID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Update overwrites the delivery fields and maintains the pending index.
func (s *NotificationStore) Update(ctx context.Context, n *storage.Notification) error {
	_, err := s.modify(n.RecipientID, n.ID, func(cur *storage.Notification) {
		cur.State = n.State
		cur.Attempts = n.Attempts
		cur.SentAt = n.SentAt
	})
	return err
}

// MarkRead sets the read flag.
func (s *NotificationStore) MarkRead(ctx context.Context, recipientID string, id uint64) (*storage.Notification, error) {
	return s.modify(recipientID, id, func(cur *storage.Notification) {
		cur.Read = true
	})
}

// modify rewrites a record in a transaction, retrying on conflicts.
func (s *NotificationStore) modify(recipientID string, id uint64, fn func(cur *storage.Notification)) (*storage.Notification, error) {
	var (
		cur *storage.Notification
		err error
	)
	for range maxTxnConflict {
		err = s.db.Update(func(txn *badger.Txn) error {
			var rerr error
			cur, rerr = s.read(txn, recipientID, id)
			if rerr != nil {
				return rerr
			}
			fn(cur)

			val, err := s.codec.encode(cur)
			if err != nil {
				return err
			}
			if err := txn.Set(idKey(recordPrefix, recipientID, id), val); err != nil {
				return err
			}

			pk := idKey(pendingPrefix, recipientID, id)
			if cur.State.Pending() {
				return txn.Set(pk, nil)
			}
			return txn.Delete(pk)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// ListSince returns notifications with id > afterID in ascending order.
func (s *NotificationStore) ListSince(ctx context.Context, recipientID string, afterID uint64, limit int) (storage.Page, error) {
	page := storage.Page{Notifications: []*storage.Notification{}}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = logPrefix(recordPrefix, recipientID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(idKey(recordPrefix, recipientID, afterID+1)); it.Valid(); it.Next() {
			if limit > 0 && len(page.Notifications) == limit {
				page.HasMore = true
				return nil
			}

			err := it.Item().Value(func(val []byte) error {
				n, err := s.codec.decode(val)
				if err != nil {
					return err
				}
				page.Notifications = append(page.Notifications, n)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.Page{}, err
	}

	return page, nil
}

// ListPending returns queued and sent notifications in ascending order.
func (s *NotificationStore) ListPending(ctx context.Context, recipientID string, limit int) ([]*storage.Notification, error) {
	var result []*storage.Notification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = logPrefix(pendingPrefix, recipientID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id := binary.BigEndian.Uint64(key[len(key)-idLen:])

			n, err := s.read(txn, recipientID, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			result = append(result, n)
			if limit > 0 && len(result) >= limit {
				return nil
			}
		}
		return nil
	})

	return result, err
}

// Recipients returns the recipients with pending notifications.
func (s *NotificationStore) Recipients(ctx context.Context) ([]string, error) {
	var result []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			recipientID, err := recipientFromKey(pendingPrefix, it.Item().Key())
			if err != nil {
				return err
			}
			if recipientID == last && len(result) > 0 {
				continue
			}
			last = recipientID
			result = append(result, recipientID)
		}
		return nil
	})

	return result, err
}

// Prune removes terminal notifications created before the given time.
func (s *NotificationStore) Prune(ctx context.Context, before time.Time) (int, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				n, err := s.codec.decode(val)
				if err != nil {
					return err
				}
				if n.State.Terminal() && n.CreatedAt.Before(before) {
					keys = append(keys, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	return len(keys), nil
}
