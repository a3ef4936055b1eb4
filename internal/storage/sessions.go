// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionStatus is the session's externally-visible lifecycle state (spec §3).
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Session is the durable row the session manager exclusively owns.
type Session struct {
	ID                string
	Model             string
	WorkDir           string
	Status            SessionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	WorktreeRef       string
	WorktreeStale     bool
	CompactionGen     int64
	InputLockHolder   string // empty means unheld
}

// UpsertSession inserts a new session row or updates the mutable fields of
// an existing one (model, and work_dir when non-empty; status is set only
// on insert), used on SystemInit and on explicit renames.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	now := time.Now().UnixMilli()
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, model, work_dir, status, created_at, updated_at, worktree_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				model = excluded.model,
				work_dir = CASE WHEN excluded.work_dir != '' THEN excluded.work_dir ELSE sessions.work_dir END,
				updated_at = excluded.updated_at`,
			sess.ID, sess.Model, sess.WorkDir, string(statusOrDefault(sess.Status)), now, now, sess.WorktreeRef)
		if err != nil {
			return fmt.Errorf("%w: upsert session: %v", ErrTransientIO, err)
		}
		return nil
	})
}

func statusOrDefault(st SessionStatus) SessionStatus {
	if st == "" {
		return StatusIdle
	}
	return st
}

// GetSession loads a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, model, work_dir, status, created_at, updated_at,
		total_input_tokens, total_output_tokens, total_cost_usd,
		COALESCE(worktree_ref, ''), worktree_stale, compaction_gen, COALESCE(input_lock_holder, '')
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var status string
	var createdAtMs, updatedAtMs int64
	var stale int
	err := row.Scan(&sess.ID, &sess.Model, &sess.WorkDir, &status, &createdAtMs, &updatedAtMs,
		&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.TotalCostUSD,
		&sess.WorktreeRef, &stale, &sess.CompactionGen, &sess.InputLockHolder)
	if err != nil {
		return Session{}, wrapQueryErr(err)
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAtMs)
	sess.UpdatedAt = time.UnixMilli(updatedAtMs)
	sess.WorktreeStale = stale != 0
	return sess, nil
}

// SetStatus updates a session's status and touches updated_at.
func (s *Store) SetStatus(ctx context.Context, id string, status SessionStatus) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("%w: set status: %v", ErrTransientIO, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AddUsage accumulates token/cost counters, called from the bridge on
// each Result frame.
func (s *Store) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cost_usd = total_cost_usd + ?,
			updated_at = ?
			WHERE id = ?`, inputTokens, outputTokens, costUSD, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("%w: add usage: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// SetInputLock performs a compare-and-swap on input_lock_holder: succeeds
// only if the current holder equals expectedPrior (empty string means
// "currently unheld"). This is the sole mutation path for the lock field,
// covered by the session-row transaction per spec §4.7/§5.
func (s *Store) SetInputLock(ctx context.Context, sessionID, expectedPrior, newHolder string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(input_lock_holder, '') FROM sessions WHERE id = ?`, sessionID).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("%w: read lock holder: %v", ErrTransientIO, err)
		}
		if current != expectedPrior {
			return ErrConflict
		}
		var holder any
		if newHolder != "" {
			holder = newHolder
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET input_lock_holder = ?, updated_at = ? WHERE id = ?`,
			holder, time.Now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("%w: set lock holder: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// IncrementCompactionGen bumps the session's compaction generation counter.
func (s *Store) IncrementCompactionGen(ctx context.Context, sessionID string) (int64, error) {
	var gen int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET compaction_gen = compaction_gen + 1, updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("%w: bump compaction gen: %v", ErrTransientIO, err)
		}
		return tx.QueryRowContext(ctx, `SELECT compaction_gen FROM sessions WHERE id = ?`, sessionID).Scan(&gen)
	})
	return gen, err
}

// DeleteSession cascades to events, pending permissions, and grants via
// foreign keys (ON DELETE CASCADE).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("%w: delete session: %v", ErrTransientIO, err)
		}
		return nil
	})
}

// ListSessions returns every session row, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model, work_dir, status, created_at, updated_at,
		total_input_tokens, total_output_tokens, total_cost_usd,
		COALESCE(worktree_ref, ''), worktree_stale, compaction_gen, COALESCE(input_lock_holder, '')
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var status string
		var createdAtMs, updatedAtMs int64
		var stale int
		if err := rows.Scan(&sess.ID, &sess.Model, &sess.WorkDir, &status, &createdAtMs, &updatedAtMs,
			&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.TotalCostUSD,
			&sess.WorktreeRef, &stale, &sess.CompactionGen, &sess.InputLockHolder); err != nil {
			return nil, wrapQueryErr(err)
		}
		sess.Status = SessionStatus(status)
		sess.CreatedAt = time.UnixMilli(createdAtMs)
		sess.UpdatedAt = time.UnixMilli(updatedAtMs)
		sess.WorktreeStale = stale != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ReconcileAtStartup runs the single-transaction startup fixup described in
// spec §4.1: active sessions become idle, connected-client rows are
// truncated, input-lock holders are cleared, stale worktree refs are
// flagged (not deleted), and pending permissions are left untouched
// (reminders/TTL continue to apply once the daemon resumes ticking them).
func (s *Store) ReconcileAtStartup(ctx context.Context, worktreeExists func(ref string) bool) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE status = ?`,
			string(StatusIdle), string(StatusActive)); err != nil {
			return fmt.Errorf("%w: reconcile active sessions: %v", ErrTransientIO, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET input_lock_holder = NULL`); err != nil {
			return fmt.Errorf("%w: clear input locks: %v", ErrTransientIO, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM connected_clients`); err != nil {
			return fmt.Errorf("%w: truncate connected clients: %v", ErrTransientIO, err)
		}

		if worktreeExists != nil {
			rows, err := tx.QueryContext(ctx, `SELECT id, worktree_ref FROM sessions WHERE worktree_ref IS NOT NULL AND worktree_ref != ''`)
			if err != nil {
				return fmt.Errorf("%w: list worktree refs: %v", ErrTransientIO, err)
			}
			type staleRef struct{ id, ref string }
			var toFlag []staleRef
			for rows.Next() {
				var id, ref string
				if err := rows.Scan(&id, &ref); err != nil {
					rows.Close()
					return fmt.Errorf("%w: scan worktree ref: %v", ErrTransientIO, err)
				}
				if !worktreeExists(ref) {
					toFlag = append(toFlag, staleRef{id, ref})
				}
			}
			rows.Close()
			for _, sr := range toFlag {
				if _, err := tx.ExecContext(ctx, `UPDATE sessions SET worktree_stale = 1 WHERE id = ?`, sr.id); err != nil {
					return fmt.Errorf("%w: flag stale worktree: %v", ErrTransientIO, err)
				}
			}
		}
		return nil
	})
}
