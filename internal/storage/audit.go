// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// AuditKind distinguishes the retention bucket an audit entry falls into.
type AuditKind string

const (
	AuditAutoApprovedTool AuditKind = "auto_approved_tool"
	AuditDeniedTool       AuditKind = "denied_tool"
	AuditExpiredRequest   AuditKind = "expired_request"
	AuditSessionGrant     AuditKind = "session_grant"
)

// SecurityRetention is the minimum retention for security-relevant audit
// kinds (spec §4.1, testable property §8.5): at least 90 days.
const SecurityRetention = 90 * 24 * time.Hour

// retentionFor maps an audit kind to its retention window. Every kind here
// is security-relevant today; a future non-security kind would get a
// shorter window without touching the >=90d guarantee for these.
func retentionFor(kind AuditKind) time.Duration {
	return SecurityRetention
}

// AuditEntry is an append-only security-relevant log row (spec §3). The
// raw tool input is never stored — only a content hash — so the audit log
// can be retained long-term without accumulating sensitive payload data.
type AuditEntry struct {
	ID        int64
	SessionID string
	Kind      AuditKind
	InputHash string
	Outcome   string
	Severity  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// HashInput content-hashes a raw tool input for audit storage.
func HashInput(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// AuditAppend inserts an audit row with expires_at = now + retention(kind).
func (s *Store) AuditAppend(ctx context.Context, sessionID string, kind AuditKind, rawInput []byte, outcome, severity string) error {
	now := time.Now()
	expires := now.Add(retentionFor(kind))
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_log
			(session_id, kind, input_hash, outcome, severity, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(kind), HashInput(rawInput), outcome, severity, now.UnixMilli(), expires.UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: audit append: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// AuditForSession lists audit entries for a session, newest first.
func (s *Store) AuditForSession(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, kind, input_hash, outcome, severity, created_at, expires_at
		FROM audit_log WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kind string
		var createdAtMs, expiresAtMs int64
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.InputHash, &e.Outcome, &e.Severity, &createdAtMs, &expiresAtMs); err != nil {
			return nil, wrapQueryErr(err)
		}
		e.Kind = AuditKind(kind)
		e.CreatedAt = time.UnixMilli(createdAtMs)
		e.ExpiresAt = time.UnixMilli(expiresAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}
