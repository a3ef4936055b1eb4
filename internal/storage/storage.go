// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage is the embedded transactional store backing a single
// daemon (or relay) database. It is built on modernc.org/sqlite — a
// pure-Go SQLite driver, chosen over the teacher's own flat-file JSON
// persistence because concurrent session/event/permission writes need
// write-ahead logging, foreign keys, and per-session sequence assignment
// inside the same transaction as the row insert, none of which a JSON
// file on disk can give you transactionally.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sakost/betcode/internal/logging"
)

// Error kinds from the error taxonomy this store can return. Other
// components branch on these with errors.Is.
var (
	ErrTransientIO = errors.New("storage: transient I/O error")
	ErrCorruption  = errors.New("storage: corruption detected")
	ErrNotFound    = errors.New("storage: not found")
	ErrConflict    = errors.New("storage: compare-and-swap conflict")
)

// Store wraps the daemon's sqlite database. All write paths funnel through
// writeMu because sqlite allows only one writer at a time per database
// file; readers use the pool directly, which is capped at one open
// connection, so reads and writes share that connection in turn.
type Store struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
}

// Options configures Open.
type Options struct {
	Path        string
	BusyTimeout time.Duration // default 5s
}

// Open opens (creating if absent) the sqlite database at opts.Path,
// enables WAL + foreign keys + the busy timeout, runs an integrity check,
// and applies the schema migrations. On corruption it quarantines the file
// and reinitializes, per spec §4.1.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes at the connection level anyway; be explicit.

	s := &Store{db: db, path: opts.Path}

	if err := s.pragma(ctx, opts.BusyTimeout); err != nil {
		return nil, err
	}

	if err := s.checkIntegrity(ctx); err != nil {
		recovered, rerr := s.recoverFromCorruption(ctx, opts)
		if rerr != nil {
			return nil, rerr
		}
		return recovered, nil
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return s, nil
}

func (s *Store) pragma(ctx context.Context, busyTimeout time.Duration) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: pragma %q: %v", ErrTransientIO, stmt, err)
		}
	}
	return nil
}

// checkIntegrity runs sqlite's quick_check, the cheapest corruption probe,
// on every start (spec §4.1).
func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: quick_check: %v", ErrCorruption, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check reported %q", ErrCorruption, result)
	}
	return nil
}

// DB exposes the underlying handle for components (mostly tests) that need
// direct access; production code should prefer the typed methods below.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx serializes a write transaction behind writeMu, matching the
// "single writer" constraint sqlite imposes, and translates busy/locked
// errors into ErrTransientIO so callers can retry.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransientIO, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransientIO, err)
	}
	return nil
}

func wrapQueryErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	logging.Logger.Warn().Err(err).Msg("storage: query error")
	return fmt.Errorf("%w: %v", ErrTransientIO, err)
}
