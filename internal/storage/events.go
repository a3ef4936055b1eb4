// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventKind is the closed set of persisted event kinds (spec §3).
type EventKind string

const (
	EventSystemInit     EventKind = "system_init"
	EventAssistant      EventKind = "assistant"
	EventUserEcho       EventKind = "user_echo"
	EventStreamDelta    EventKind = "stream_delta"
	EventResult         EventKind = "result"
	EventControlRequest EventKind = "control_request"
	EventControlResp    EventKind = "control_response"
)

// EventRecord is one row of a session's append-only event log.
type EventRecord struct {
	SessionID string
	Sequence  int64
	Kind      EventKind
	Payload   []byte
	CreatedAt time.Time
}

// AppendEvent computes sequence = max(sequence)+1 for the session and
// inserts the row, all inside one transaction, so the returned sequence is
// the transaction's own durable commit — no subscriber can observe an
// event whose sequence was never persisted (spec §5).
func (s *Store) AppendEvent(ctx context.Context, sessionID string, kind EventKind, payload []byte) (int64, error) {
	var sequence int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID).Scan(&max); err != nil {
			return fmt.Errorf("%w: max sequence: %v", ErrTransientIO, err)
		}
		sequence = max.Int64 + 1

		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (session_id, sequence, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, sequence, string(kind), payload, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: insert event: %v", ErrTransientIO, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sequence, nil
}

// LoadEvents returns events for sessionID with sequence > afterSequence,
// ordered ascending, capped at limit (0 means unlimited). Used for replay
// on subscriber attach/reconnect.
func (s *Store) LoadEvents(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]EventRecord, error) {
	query := `SELECT session_id, sequence, kind, payload, created_at FROM events
		WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{sessionID, afterSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var kind string
		var createdAtMs int64
		if err := rows.Scan(&rec.SessionID, &rec.Sequence, &kind, &rec.Payload, &createdAtMs); err != nil {
			return nil, wrapQueryErr(err)
		}
		rec.Kind = EventKind(kind)
		rec.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr(err)
	}
	return out, nil
}

// LastSequence returns the highest sequence number persisted for a
// session, or 0 if none.
func (s *Store) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, wrapQueryErr(err)
	}
	return max.Int64, nil
}

// DeleteEventsUpTo removes events with sequence <= upTo, used by
// compaction (spec §4.7). Returns the number of rows deleted.
func (s *Store) DeleteEventsUpTo(ctx context.Context, sessionID string, upTo int64) (int64, error) {
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ? AND sequence <= ?`, sessionID, upTo)
		if err != nil {
			return fmt.Errorf("%w: delete events: %v", ErrTransientIO, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// CountEvents returns the total number of persisted events for a session.
func (s *Store) CountEvents(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, wrapQueryErr(err)
	}
	return n, nil
}
