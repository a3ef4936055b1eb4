// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/storage"
	"github.com/sakost/betcode/internal/tunnel"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tunnel.Frame
	fail bool
}

func (f *fakeSender) Send(fr tunnel.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertError{}
	}
	f.sent = append(f.sent, fr)
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "send failed" }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(dir, "relay.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeliverGoesStraightThroughWhenDaemonLive(t *testing.T) {
	store := openTestStore(t)
	reg := NewRegistry()
	sender := &fakeSender{}
	reg.Register("daemon-a", sender)

	r := NewRouter(store, reg)
	err := r.Deliver(context.Background(), "daemon-a", "permission_response", tunnel.Frame{RequestID: "r1", Kind: tunnel.FrameData})
	require.NoError(t, err)

	assert.Len(t, sender.sent, 1)
	count, _, err := store.CountBuffered(context.Background(), "daemon-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeliverBuffersWhenDaemonOffline(t *testing.T) {
	store := openTestStore(t)
	reg := NewRegistry()
	r := NewRouter(store, reg)

	err := r.Deliver(context.Background(), "daemon-b", "transcript", tunnel.Frame{RequestID: "r2", Kind: tunnel.FrameData})
	require.NoError(t, err)

	count, _, err := store.CountBuffered(context.Background(), "daemon-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFlushDeliversBufferedFramesInPriorityOrder(t *testing.T) {
	store := openTestStore(t)
	reg := NewRegistry()
	r := NewRouter(store, reg)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, "daemon-c", "transcript", tunnel.Frame{RequestID: "low"}))
	require.NoError(t, r.Deliver(ctx, "daemon-c", "permission_response", tunnel.Frame{RequestID: "high"}))

	sender := &fakeSender{}
	reg.Register("daemon-c", sender)

	require.NoError(t, r.Flush(ctx, "daemon-c"))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "high", sender.sent[0].RequestID)
	assert.Equal(t, "low", sender.sent[1].RequestID)

	count, _, err := store.CountBuffered(ctx, "daemon-c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeliverEvictsLowestPriorityWhenOverCap(t *testing.T) {
	store := openTestStore(t)
	reg := NewRegistry()
	r := NewRouter(store, reg)
	r.maxBytes = 1 // force every enqueue past the first to trigger eviction
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, "daemon-d", "transcript", tunnel.Frame{RequestID: "first"}))
	require.NoError(t, r.Deliver(ctx, "daemon-d", "permission_response", tunnel.Frame{RequestID: "second"}))

	count, _, err := store.CountBuffered(ctx, "daemon-d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
