// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateNewThenIdleAfterEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	m := New(store, mux, nil)

	st, err := m.State(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, st)

	_, err = store.AppendEvent(ctx, "sess-1", storage.EventAssistant, []byte(`{}`))
	require.NoError(t, err)

	st, err = m.State(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)

	m.SetSupervisorRunning("sess-1", true)
	st, err = m.State(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)
}

func TestAcquireInputLockUncontended(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	m := New(store, mux, nil)

	require.NoError(t, m.AcquireInputLock(ctx, "sess-1", "client-a"))
	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "client-a", sess.InputLockHolder)

	require.NoError(t, m.ReleaseInputLock(ctx, "sess-1", "client-a"))
	sess, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.InputLockHolder)
}

func TestOnDetachReleasesLockHeldByDisconnectingSubscriber(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	m := New(store, mux, nil)

	require.NoError(t, m.AcquireInputLock(ctx, "sess-1", "client-a"))
	m.OnDetach(ctx, "sess-1", "client-a")

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.InputLockHolder)
}

func TestCompactKeepsAtLeastMinimumAndBumpsGeneration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	m := New(store, mux, nil)

	for i := 0; i < 40; i++ {
		_, err := store.AppendEvent(ctx, "sess-1", storage.EventAssistant, []byte(`{}`))
		require.NoError(t, err)
	}

	require.NoError(t, m.Compact(ctx, "sess-1"))

	n, err := store.CountEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(minEventsKept))
	assert.Less(t, n, int64(40))

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.CompactionGen)
}

func TestDeleteCascadesEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	m := New(store, mux, nil)

	_, err := store.AppendEvent(ctx, "sess-1", storage.EventAssistant, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "sess-1"))
	_, err = store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
