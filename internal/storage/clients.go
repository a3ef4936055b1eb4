// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClientKind distinguishes how a connected client should be treated for
// push-notification and reminder purposes.
type ClientKind string

const (
	ClientInteractive ClientKind = "interactive"
	ClientHeadless    ClientKind = "headless"
	ClientMobile      ClientKind = "mobile"
)

// ConnectedClient is the in-flight registry row for RPC-layer connections.
type ConnectedClient struct {
	ClientID        string
	SessionID       string
	Kind            ClientKind
	InputLockHeld   bool
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// UpsertClient registers (or heartbeats) a connected client row.
func (s *Store) UpsertClient(ctx context.Context, c ConnectedClient) error {
	now := time.Now().UnixMilli()
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO connected_clients
			(client_id, session_id, kind, input_lock_held, connected_at, last_heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				session_id = excluded.session_id,
				last_heartbeat_at = excluded.last_heartbeat_at`,
			c.ClientID, c.SessionID, string(c.Kind), boolToInt(c.InputLockHeld), now, now)
		if err != nil {
			return fmt.Errorf("%w: upsert client: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// Heartbeat refreshes last_heartbeat_at for a client.
func (s *Store) Heartbeat(ctx context.Context, clientID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE connected_clients SET last_heartbeat_at = ? WHERE client_id = ?`,
			time.Now().UnixMilli(), clientID)
		if err != nil {
			return fmt.Errorf("%w: heartbeat: %v", ErrTransientIO, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RemoveClient deletes a client row on disconnect.
func (s *Store) RemoveClient(ctx context.Context, clientID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM connected_clients WHERE client_id = ?`, clientID)
		if err != nil {
			return fmt.Errorf("%w: remove client: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// SetClientInputLock marks whether a client currently holds its session's
// input lock. This is a display/bookkeeping flag; the authoritative
// at-most-one-holder invariant lives on the session row (SetInputLock).
func (s *Store) SetClientInputLock(ctx context.Context, clientID string, held bool) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE connected_clients SET input_lock_held = ? WHERE client_id = ?`,
			boolToInt(held), clientID)
		if err != nil {
			return fmt.Errorf("%w: set client input lock: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// ClientsForSession lists connected clients attached to a session.
func (s *Store) ClientsForSession(ctx context.Context, sessionID string) ([]ConnectedClient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, session_id, kind, input_lock_held, connected_at, last_heartbeat_at
		FROM connected_clients WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []ConnectedClient
	for rows.Next() {
		var c ConnectedClient
		var kind string
		var held int
		var connectedAtMs, heartbeatAtMs int64
		if err := rows.Scan(&c.ClientID, &c.SessionID, &kind, &held, &connectedAtMs, &heartbeatAtMs); err != nil {
			return nil, wrapQueryErr(err)
		}
		c.Kind = ClientKind(kind)
		c.InputLockHeld = held != 0
		c.ConnectedAt = time.UnixMilli(connectedAtMs)
		c.LastHeartbeatAt = time.UnixMilli(heartbeatAtMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
