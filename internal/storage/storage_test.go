// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendEventAssignsGaplessSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1", Model: "claude"}))

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent(ctx, "sess-1", EventAssistant, []byte(`{}`))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)

	last, err := s.LastSequence(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestAppendEventConcurrentWritersStillGapless(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.AppendEvent(ctx, "sess-1", EventStreamDelta, []byte(`{}`))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	recs, err := s.LoadEvents(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Sequence)
	}
}

func TestLoadEventsAfterSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))
	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, "sess-1", EventAssistant, []byte(`{}`))
		require.NoError(t, err)
	}
	recs, err := s.LoadEvents(ctx, "sess-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Sequence)
	assert.Equal(t, int64(3), recs[1].Sequence)
}

func TestSetInputLockCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))

	require.NoError(t, s.SetInputLock(ctx, "sess-1", "", "client-a"))

	err := s.SetInputLock(ctx, "sess-1", "", "client-b")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.SetInputLock(ctx, "sess-1", "client-a", "client-b"))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "client-b", sess.InputLockHolder)

	require.NoError(t, s.SetInputLock(ctx, "sess-1", "client-b", ""))
	sess, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.InputLockHolder)
}

func TestMarkRespondedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))
	require.NoError(t, s.CreatePendingPermission(ctx, PendingPermission{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		ToolName:   "Bash",
		Input:      []byte(`{"command":"ls"}`),
		ReceivedAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}))

	require.NoError(t, s.MarkResponded(ctx, "req-1", "allow"))
	err := s.MarkResponded(ctx, "req-1", "deny")
	assert.ErrorIs(t, err, ErrConflict)

	p, err := s.GetPendingPermission(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, p.ResponseReceived)
	assert.Equal(t, "allow", p.ResponseDecision)
}

func TestListUnrespondedReplayable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))

	require.NoError(t, s.CreatePendingPermission(ctx, PendingPermission{
		RequestID: "req-1", SessionID: "sess-1", ToolName: "Bash",
		Input: []byte(`{}`), ReceivedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}))
	require.NoError(t, s.CreatePendingPermission(ctx, PendingPermission{
		RequestID: "req-2", SessionID: "sess-1", ToolName: "Bash",
		Input: []byte(`{}`), ReceivedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}))
	require.NoError(t, s.MarkForwarded(ctx, "req-1", time.Now(), 7))

	replayable, err := s.ListUnrespondedReplayable(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, replayable, 1)
	assert.Equal(t, "req-1", replayable[0].RequestID)
	assert.Equal(t, int64(7), replayable[0].RequestSequence)
}

func TestAuditAppendRetentionAtLeast90Days(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))
	require.NoError(t, s.AuditAppend(ctx, "sess-1", AuditDeniedTool, []byte(`{"command":"rm -rf /"}`), "denied", "high"))

	entries, err := s.AuditForSession(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.GreaterOrEqual(t, entries[0].ExpiresAt.Sub(entries[0].CreatedAt), SecurityRetention)
	assert.NotContains(t, entries[0].InputHash, "rm -rf")
}

func TestPurgeExpiredRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1"}))

	require.NoError(t, s.AuditAppend(ctx, "sess-1", AuditDeniedTool, []byte(`x`), "denied", "low"))
	past := time.Now().Add(-time.Hour)
	_, err := s.DB().ExecContext(ctx, `UPDATE audit_log SET expires_at = ?`, past.UnixMilli())
	require.NoError(t, err)

	res, err := s.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AuditExpired)

	entries, err := s.AuditForSession(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainOfflinePriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour)

	_, err := s.EnqueueOffline(ctx, OfflineBufferEntry{
		TargetDaemon: "daemon-a", RequestID: "r1", Payload: []byte(`{}`),
		MessageType: "transcript", Priority: PriorityTranscript, CreatedAt: now, ExpiresAt: future,
	})
	require.NoError(t, err)
	_, err = s.EnqueueOffline(ctx, OfflineBufferEntry{
		TargetDaemon: "daemon-a", RequestID: "r2", Payload: []byte(`{}`),
		MessageType: "permission_request", Priority: PriorityPermissionRequest, CreatedAt: now, ExpiresAt: future,
	})
	require.NoError(t, err)

	entries, err := s.DrainOffline(ctx, "daemon-a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].RequestID)
	assert.Equal(t, "r1", entries[1].RequestID)
}

func TestReconcileAtStartupClearsLocksAndClients(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, Session{ID: "sess-1", Status: StatusActive}))
	require.NoError(t, s.SetInputLock(ctx, "sess-1", "", "client-a"))
	require.NoError(t, s.UpsertClient(ctx, ConnectedClient{ClientID: "client-a", SessionID: "sess-1", Kind: ClientInteractive}))

	require.NoError(t, s.ReconcileAtStartup(ctx, nil))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, sess.Status)
	assert.Equal(t, "", sess.InputLockHolder)

	clients, err := s.ClientsForSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, clients)
}
