// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PendingPermission is the durable per-session record the permission
// bridge exclusively writes.
type PendingPermission struct {
	RequestID        string
	SessionID        string
	ToolName         string
	Input            []byte
	ReceivedAt       time.Time
	ForwardedAt      *time.Time
	// RequestSequence is the event-log sequence number assigned to this
	// request's control_request event when it was first forwarded. A
	// reconnection replay of this still-pending request (ReplayOnAttach)
	// reuses this value rather than inventing a new one, so the replayed
	// PermissionRequest carries the same sequence a subscriber that was
	// attached throughout would have seen the first time.
	RequestSequence  int64
	ExpiresAt        time.Time
	ExtensionCount   int
	Reminder1h       bool
	Reminder24h      bool
	ResponseReceived bool
	ResponseDecision string
	ResponseAt       *time.Time
}

// CreatePendingPermission inserts a new row before the PermissionRequest
// internal event is emitted, per spec §4.6's durability requirement.
func (s *Store) CreatePendingPermission(ctx context.Context, p PendingPermission) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO pending_permissions
			(request_id, session_id, tool_name, input, received_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.RequestID, p.SessionID, p.ToolName, p.Input, p.ReceivedAt.UnixMilli(), p.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: create pending permission: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// MarkForwarded records that the PermissionRequest event reached the
// multiplexer, storing the sequence number that event was published
// under so a later reconnection replay (ReplayOnAttach) has a real,
// previously-delivered sequence to resend rather than a synthetic one.
func (s *Store) MarkForwarded(ctx context.Context, requestID string, at time.Time, sequence int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE pending_permissions SET forwarded_at = ?, request_sequence = ? WHERE request_id = ?`,
			at.UnixMilli(), sequence, requestID)
		if err != nil {
			return fmt.Errorf("%w: mark forwarded: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// MarkResponded sets response_received=true and the decision, inside the
// same transaction the idempotent-dispatch path uses (spec §4.6 step 3).
// Returns ErrConflict if the row was already responded (the caller's
// idempotency check should normally catch this first).
func (s *Store) MarkResponded(ctx context.Context, requestID, decision string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var already bool
		if err := tx.QueryRowContext(ctx, `SELECT response_received FROM pending_permissions WHERE request_id = ?`, requestID).Scan(&already); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("%w: read pending permission: %v", ErrTransientIO, err)
		}
		if already {
			return ErrConflict
		}
		_, err := tx.ExecContext(ctx, `UPDATE pending_permissions SET
			response_received = 1, response_decision = ?, response_at = ? WHERE request_id = ?`,
			decision, time.Now().UnixMilli(), requestID)
		if err != nil {
			return fmt.Errorf("%w: mark responded: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// ExtendTTL bumps expires_at and the extension counter, used when client
// activity re-arms the disconnected-regime timer (spec §4.6).
func (s *Store) ExtendTTL(ctx context.Context, requestID string, newExpiry time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE pending_permissions SET
			expires_at = ?, extension_count = extension_count + 1 WHERE request_id = ?`,
			newExpiry.UnixMilli(), requestID)
		if err != nil {
			return fmt.Errorf("%w: extend ttl: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// SetReminderSent flags the 1h or 24h reminder as sent.
func (s *Store) SetReminderSent(ctx context.Context, requestID string, hour24 bool) error {
	col := "reminder_1h"
	if hour24 {
		col = "reminder_24h"
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE pending_permissions SET %s = 1 WHERE request_id = ?`, col), requestID)
		if err != nil {
			return fmt.Errorf("%w: set reminder sent: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// GetPendingPermission loads a single row by request id.
func (s *Store) GetPendingPermission(ctx context.Context, requestID string) (PendingPermission, error) {
	row := s.db.QueryRowContext(ctx, pendingPermissionSelect+` WHERE request_id = ?`, requestID)
	return scanPendingPermission(row)
}

const pendingPermissionSelect = `SELECT request_id, session_id, tool_name, input, received_at, forwarded_at,
	request_sequence, expires_at, extension_count, reminder_1h, reminder_24h, response_received,
	COALESCE(response_decision, ''), response_at FROM pending_permissions`

func scanPendingPermission(row *sql.Row) (PendingPermission, error) {
	var p PendingPermission
	var receivedAtMs, expiresAtMs int64
	var forwardedAtMs, responseAtMs sql.NullInt64
	var reminder1h, reminder24h, responded int
	err := row.Scan(&p.RequestID, &p.SessionID, &p.ToolName, &p.Input, &receivedAtMs, &forwardedAtMs,
		&p.RequestSequence, &expiresAtMs, &p.ExtensionCount, &reminder1h, &reminder24h, &responded, &p.ResponseDecision, &responseAtMs)
	if err != nil {
		return PendingPermission{}, wrapQueryErr(err)
	}
	p.ReceivedAt = time.UnixMilli(receivedAtMs)
	p.ExpiresAt = time.UnixMilli(expiresAtMs)
	p.Reminder1h = reminder1h != 0
	p.Reminder24h = reminder24h != 0
	p.ResponseReceived = responded != 0
	if forwardedAtMs.Valid {
		t := time.UnixMilli(forwardedAtMs.Int64)
		p.ForwardedAt = &t
	}
	if responseAtMs.Valid {
		t := time.UnixMilli(responseAtMs.Int64)
		p.ResponseAt = &t
	}
	return p, nil
}

// ListPendingForSession returns every pending permission row for a session,
// used for reconnection replay (spec §4.6).
func (s *Store) ListPendingForSession(ctx context.Context, sessionID string) ([]PendingPermission, error) {
	return s.queryPending(ctx, pendingPermissionSelect+` WHERE session_id = ? ORDER BY received_at ASC`, sessionID)
}

// ListUnrespondedReplayable returns rows with forwarded_at set and no
// response yet, the exact replay set spec §4.6 requires on reconnect.
func (s *Store) ListUnrespondedReplayable(ctx context.Context, sessionID string) ([]PendingPermission, error) {
	return s.queryPending(ctx, pendingPermissionSelect+` WHERE session_id = ? AND forwarded_at IS NOT NULL AND response_received = 0 ORDER BY received_at ASC`, sessionID)
}

// ListExpiringBefore returns unresponded rows whose expiry is at or before cutoff.
func (s *Store) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]PendingPermission, error) {
	return s.queryPending(ctx, pendingPermissionSelect+` WHERE response_received = 0 AND expires_at <= ? ORDER BY expires_at ASC`, cutoff.UnixMilli())
}

// ListForReminder returns unresponded rows older than olderThan with the
// matching reminder flag still unset.
func (s *Store) ListForReminder(ctx context.Context, olderThan time.Time, hour24 bool) ([]PendingPermission, error) {
	col := "reminder_1h"
	if hour24 {
		col = "reminder_24h"
	}
	query := fmt.Sprintf(pendingPermissionSelect+` WHERE response_received = 0 AND %s = 0 AND received_at <= ? ORDER BY received_at ASC`, col)
	return s.queryPending(ctx, query, olderThan.UnixMilli())
}

func (s *Store) queryPending(ctx context.Context, query string, args ...any) ([]PendingPermission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []PendingPermission
	for rows.Next() {
		var p PendingPermission
		var receivedAtMs, expiresAtMs int64
		var forwardedAtMs, responseAtMs sql.NullInt64
		var reminder1h, reminder24h, responded int
		if err := rows.Scan(&p.RequestID, &p.SessionID, &p.ToolName, &p.Input, &receivedAtMs, &forwardedAtMs,
			&p.RequestSequence, &expiresAtMs, &p.ExtensionCount, &reminder1h, &reminder24h, &responded, &p.ResponseDecision, &responseAtMs); err != nil {
			return nil, wrapQueryErr(err)
		}
		p.ReceivedAt = time.UnixMilli(receivedAtMs)
		p.ExpiresAt = time.UnixMilli(expiresAtMs)
		p.Reminder1h = reminder1h != 0
		p.Reminder24h = reminder24h != 0
		p.ResponseReceived = responded != 0
		if forwardedAtMs.Valid {
			t := time.UnixMilli(forwardedAtMs.Int64)
			p.ForwardedAt = &t
		}
		if responseAtMs.Valid {
			t := time.UnixMilli(responseAtMs.Int64)
			p.ResponseAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
