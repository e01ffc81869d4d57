// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlite persists the client cursor in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrCursorOverflow is returned for ids SQLite INTEGER cannot hold.
var ErrCursorOverflow = errors.New("cursor exceeds sqlite integer range")

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY
			);
			CREATE TABLE IF NOT EXISTS cursors (
				recipient_id         TEXT PRIMARY KEY,
				last_notification_id INTEGER NOT NULL DEFAULT 0,
				updated_at           DATETIME NOT NULL
			);
			INSERT OR IGNORE INTO schema_version (version) VALUES (1);`,
	},
}

// CursorStore implements client.CursorStore on SQLite.
type CursorStore struct {
	db *sqlx.DB
}

// New opens (or creates) the database at path, enables WAL mode and
// applies pending migrations.
func New(path string) (*CursorStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer keeps upserts serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &CursorStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *CursorStore) migrate() error {
	current := 0

	var tables int
	err := s.db.Get(&tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Load returns the stored cursor; a recipient without a row reads as 0.
func (s *CursorStore) Load(ctx context.Context, recipientID string) (uint64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		"SELECT last_notification_id FROM cursors WHERE recipient_id = ?", recipientID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("loading cursor for %s: %w", recipientID, err)
	}
	return uint64(id), nil
}

// Save stores id unless a higher cursor is already stored.
func (s *CursorStore) Save(ctx context.Context, recipientID string, id uint64) error {
	if id > math.MaxInt64 {
		return ErrCursorOverflow
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (recipient_id, last_notification_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(recipient_id) DO UPDATE SET
			last_notification_id = MAX(last_notification_id, excluded.last_notification_id),
			updated_at = excluded.updated_at`,
		recipientID, int64(id), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", recipientID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *CursorStore) Close() error {
	return s.db.Close()
}
