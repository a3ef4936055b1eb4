// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OfflineBufferEntry is a relay-held message queued for a daemon that is
// currently disconnected from the router.
type OfflineBufferEntry struct {
	ID           int64
	TargetDaemon string
	RequestID    string
	Payload      []byte
	MessageType  string
	Priority     int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Delivered    bool
}

// Buffer priorities, highest first (spec §4.10): permission requests must
// survive a daemon bounce ahead of routine transcript traffic.
const (
	PriorityPermissionRequest = 0
	PriorityControlResponse   = 1
	PriorityTranscript        = 2
)

// EnqueueOffline inserts a message for later delivery to targetDaemon.
func (s *Store) EnqueueOffline(ctx context.Context, e OfflineBufferEntry) (int64, error) {
	var id int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO offline_buffer
			(target_daemon, request_id, payload, message_type, priority, created_at, expires_at, delivered)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			e.TargetDaemon, e.RequestID, e.Payload, e.MessageType, e.Priority,
			e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: enqueue offline: %v", ErrTransientIO, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// DrainOffline returns every undelivered, unexpired entry for a daemon,
// highest priority (lowest number) first, then FIFO within a priority, per
// spec §4.10's delivery-order requirement.
func (s *Store) DrainOffline(ctx context.Context, targetDaemon string) ([]OfflineBufferEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, target_daemon, request_id, payload, message_type,
		priority, created_at, expires_at, delivered FROM offline_buffer
		WHERE target_daemon = ? AND delivered = 0 AND expires_at > ?
		ORDER BY priority ASC, id ASC`, targetDaemon, time.Now().UnixMilli())
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []OfflineBufferEntry
	for rows.Next() {
		var e OfflineBufferEntry
		var createdAtMs, expiresAtMs int64
		var delivered int
		if err := rows.Scan(&e.ID, &e.TargetDaemon, &e.RequestID, &e.Payload, &e.MessageType,
			&e.Priority, &createdAtMs, &expiresAtMs, &delivered); err != nil {
			return nil, wrapQueryErr(err)
		}
		e.CreatedAt = time.UnixMilli(createdAtMs)
		e.ExpiresAt = time.UnixMilli(expiresAtMs)
		e.Delivered = delivered != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered flags a batch of offline entries as delivered; the purge
// sweep reaps them afterward rather than deleting inline so a crash between
// send and ack doesn't silently drop a message.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE offline_buffer SET delivered = 1 WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("%w: prepare mark delivered: %v", ErrTransientIO, err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("%w: mark delivered %d: %v", ErrTransientIO, id, err)
			}
		}
		return nil
	})
}

// CountBuffered reports the current undelivered byte total for a daemon,
// so the relay can enforce the per-daemon offline_max_bytes cap before
// enqueueing.
func (s *Store) CountBuffered(ctx context.Context, targetDaemon string) (count int64, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0)
		FROM offline_buffer WHERE target_daemon = ? AND delivered = 0`, targetDaemon).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, wrapQueryErr(err)
	}
	return count, bytes, nil
}

// EvictLowestPriorityOldest deletes the single worst entry buffered for a
// daemon (lowest priority, i.e. highest number, oldest among ties) and
// reports its id, so the relay can make room under the per-daemon byte
// cap without waiting for the purge sweep.
func (s *Store) EvictLowestPriorityOldest(ctx context.Context, targetDaemon string) (int64, bool, error) {
	var id int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM offline_buffer
			WHERE target_daemon = ? AND delivered = 0
			ORDER BY priority DESC, id ASC LIMIT 1`, targetDaemon)
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				id = 0
				return nil
			}
			return fmt.Errorf("%w: find eviction candidate: %v", ErrTransientIO, err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM offline_buffer WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("%w: evict %d: %v", ErrTransientIO, id, err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, id != 0, nil
}
