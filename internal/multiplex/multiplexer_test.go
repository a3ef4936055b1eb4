// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestAttachReplaysThenGoesLive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, "sess-1", storage.EventAssistant, []byte(`{}`))
		require.NoError(t, err)
	}

	m := New(store, nil, nil)
	ch, err := m.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	var got []Event
	for i := 0; i < 3; i++ {
		got = append(got, <-ch)
	}
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(3), got[2].Sequence)

	live := Event{SessionID: "sess-1", Sequence: 4, Kind: KindTextDelta, Payload: json.RawMessage(`{}`)}
	m.Publish(live)
	select {
	case ev := <-ch:
		assert.Equal(t, int64(4), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestPublishNonBlockingMarksLagging(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	m := New(store, nil, nil)
	m.queueCapacity = 2
	_, err := m.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.Publish(Event{SessionID: "sess-1", Sequence: int64(i + 1), Kind: KindTextDelta})
	}

	assert.True(t, m.IsLagging("sess-1", "sub-1"))
}

func TestDetachReleasesInputLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	var released bool
	m := New(store, nil, func(ctx context.Context, sessionID string, id SubscriberID) {
		released = true
	})
	_, err := m.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)
	m.MarkHoldsLock("sess-1", "sub-1", true)

	m.Detach(ctx, "sess-1", "sub-1")
	assert.True(t, released)
	assert.Equal(t, 0, m.SubscriberCount("sess-1"))
}

func TestAttachBeforeCompactionBoundaryGetsSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, "sess-1", storage.EventAssistant, []byte(`{}`))
		require.NoError(t, err)
	}
	_, err := store.DeleteEventsUpTo(ctx, "sess-1", 3)
	require.NoError(t, err)

	snapshotCalled := false
	m := New(store, func(ctx context.Context, sessionID string) (json.RawMessage, error) {
		snapshotCalled = true
		return json.RawMessage(`{"snapshot":true}`), nil
	}, nil)
	m.NotifyCompaction("sess-1", 3)

	ch, err := m.Attach(ctx, "sess-1", "sub-1", 1)
	require.NoError(t, err)

	first := <-ch
	assert.True(t, snapshotCalled)
	assert.Equal(t, KindSessionInfo, first.Kind)
}
