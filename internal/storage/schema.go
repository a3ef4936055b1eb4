// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates the daemon-local database tables described in
// spec §3. Ordering matters: foreign keys reference sessions(id).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		model               TEXT NOT NULL DEFAULT '',
		work_dir            TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'idle',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		total_input_tokens  INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost_usd      REAL NOT NULL DEFAULT 0,
		worktree_ref        TEXT,
		worktree_stale      INTEGER NOT NULL DEFAULT 0,
		compaction_gen      INTEGER NOT NULL DEFAULT 0,
		input_lock_holder   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence   INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_permissions (
		request_id        TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		tool_name         TEXT NOT NULL,
		input             BLOB NOT NULL,
		received_at       INTEGER NOT NULL,
		forwarded_at      INTEGER,
		request_sequence  INTEGER NOT NULL DEFAULT 0,
		expires_at        INTEGER NOT NULL,
		extension_count   INTEGER NOT NULL DEFAULT 0,
		reminder_1h       INTEGER NOT NULL DEFAULT 0,
		reminder_24h      INTEGER NOT NULL DEFAULT 0,
		response_received INTEGER NOT NULL DEFAULT 0,
		response_decision TEXT,
		response_at       INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_permissions_session ON pending_permissions(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_permissions_expiry ON pending_permissions(expires_at) WHERE response_received = 0`,
	`CREATE TABLE IF NOT EXISTS permission_grants (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		tool_name  TEXT NOT NULL,
		pattern    TEXT NOT NULL DEFAULT '',
		decision   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, tool_name, pattern)
	)`,
	`CREATE TABLE IF NOT EXISTS connected_clients (
		client_id         TEXT PRIMARY KEY,
		session_id        TEXT,
		kind              TEXT NOT NULL,
		input_lock_held   INTEGER NOT NULL DEFAULT 0,
		connected_at      INTEGER NOT NULL,
		last_heartbeat_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS offline_buffer (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		target_daemon TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		payload       BLOB NOT NULL,
		message_type  TEXT NOT NULL,
		priority      INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		delivered     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_buffer_daemon ON offline_buffer(target_daemon, delivered, priority, id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		kind       TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		severity   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_expiry ON audit_log(expires_at)`,
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

const schemaVersion = "1"

// migrate executes every CREATE statement inside one transaction and
// records the schema version.
func (s *Store) migrate(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: exec %q: %v", ErrCorruption, stmt, err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_meta(key, value) VALUES ('version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion)
		if err != nil {
			return fmt.Errorf("%w: record schema version: %v", ErrTransientIO, err)
		}
		return nil
	})
}
