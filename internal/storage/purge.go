// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakost/betcode/internal/logging"
)

// PurgeResult reports how many rows each sweep category removed, for
// logging and tests.
type PurgeResult struct {
	AuditExpired        int64
	OfflineBufferPurged int64
	PendingExpired      int64
}

// PurgeExpired runs the sweep described in spec §4.1: drop audit rows past
// their retention window, drop delivered (or expired, undelivered) offline
// buffer rows, and drop pending permissions that expired without a response
// more than gracePeriod ago (replay/reminder logic reads them up to that
// point; after it they're pure history and the events table already holds
// the control_response event recorded when the request expired).
func (s *Store) PurgeExpired(ctx context.Context, gracePeriod time.Duration) (PurgeResult, error) {
	var res PurgeResult
	now := time.Now()
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: purge audit log: %v", ErrTransientIO, err)
		}
		res.AuditExpired, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `DELETE FROM offline_buffer WHERE delivered = 1 OR expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: purge offline buffer: %v", ErrTransientIO, err)
		}
		res.OfflineBufferPurged, _ = r.RowsAffected()

		cutoff := now.Add(-gracePeriod).UnixMilli()
		r, err = tx.ExecContext(ctx, `DELETE FROM pending_permissions
			WHERE response_received = 0 AND expires_at <= ?`, cutoff)
		if err != nil {
			return fmt.Errorf("%w: purge pending permissions: %v", ErrTransientIO, err)
		}
		res.PendingExpired, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return res, nil
}

// RunPurgeLoop ticks PurgeExpired on interval until ctx is cancelled. It is
// started once per daemon instance, not per session.
func RunPurgeLoop(ctx context.Context, s *Store, interval, gracePeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.PurgeExpired(ctx, gracePeriod)
			if err != nil {
				logging.Error().Err(err).Msg("purge sweep failed")
				continue
			}
			if res.AuditExpired > 0 || res.OfflineBufferPurged > 0 || res.PendingExpired > 0 {
				logging.Debug().
					Int64("audit_expired", res.AuditExpired).
					Int64("offline_buffer_purged", res.OfflineBufferPurged).
					Int64("pending_expired", res.PendingExpired).
					Msg("purge sweep completed")
			}
		}
	}
}
