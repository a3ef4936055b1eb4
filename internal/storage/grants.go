// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Decision is an allow/deny outcome, shared by grants and rule evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PermissionGrant is a session-scoped (tool, pattern) -> decision produced
// by an interactive allow_session response (spec §3). Cascaded on session
// delete via the events/pending_permissions-style foreign key.
type PermissionGrant struct {
	SessionID string
	ToolName  string
	Pattern   string
	Decision  Decision
	CreatedAt time.Time
}

// AddGrant records a session grant. (session_id, tool_name, pattern) is the
// primary key, so re-granting the same pattern just replaces the decision.
func (s *Store) AddGrant(ctx context.Context, g PermissionGrant) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO permission_grants
			(session_id, tool_name, pattern, decision, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, tool_name, pattern) DO UPDATE SET decision = excluded.decision`,
			g.SessionID, g.ToolName, g.Pattern, string(g.Decision), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: add grant: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// GrantsForSession returns every grant recorded for a session.
func (s *Store) GrantsForSession(ctx context.Context, sessionID string) ([]PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, tool_name, pattern, decision, created_at
		FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		var decision string
		var createdAtMs int64
		if err := rows.Scan(&g.SessionID, &g.ToolName, &g.Pattern, &decision, &createdAtMs); err != nil {
			return nil, wrapQueryErr(err)
		}
		g.Decision = Decision(decision)
		g.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, g)
	}
	return out, rows.Err()
}
