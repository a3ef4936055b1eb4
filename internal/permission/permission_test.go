// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/rules"
	"github.com/sakost/betcode/internal/storage"
)

type fakeWriter struct {
	mu    sync.Mutex
	resps []ndjson.ControlResponse
}

func (f *fakeWriter) WriteControlResponse(r ndjson.ControlResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resps = append(f.resps, r)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resps)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleControlRequestExactRuleMatchAllows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)

	w := &fakeWriter{}
	set, err := rules.Parse([]string{"allow: Read"})
	require.NoError(t, err)

	b := New(store, mux, func(string) rules.Set { return set }, func(string) ResponseWriter { return w }, Policy{})
	b.HandleControlRequest(ctx, "sess-1", &ndjson.ControlRequest{RequestID: "r1", ToolName: "Read", Input: []byte(`{"file_path":"/p/x.rs"}`)})

	require.Equal(t, 1, w.count())
	assert.Equal(t, ndjson.BehaviorAllow, w.resps[0].Behavior)

	n, err := store.CountEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n) // only the control_response result event, no pending permission
}

func TestHandleControlRequestDenyBeatsAllow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)

	w := &fakeWriter{}
	set, err := rules.Parse([]string{`allow: Bash(git *)`, `deny: Bash(git push --force*)`})
	require.NoError(t, err)

	b := New(store, mux, func(string) rules.Set { return set }, func(string) ResponseWriter { return w }, Policy{})
	b.HandleControlRequest(ctx, "sess-1", &ndjson.ControlRequest{RequestID: "r1", ToolName: "Bash", Input: []byte(`{"command":"git push --force origin main"}`)})

	require.Equal(t, 1, w.count())
	assert.Equal(t, ndjson.BehaviorDeny, w.resps[0].Behavior)
	assert.Contains(t, w.resps[0].Message, "git push --force")
}

func TestHandleControlRequestForwardsThenClientRespondsIdempotently(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	ch, err := mux.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	w := &fakeWriter{}
	b := New(store, mux, func(string) rules.Set { return rules.Set{} }, func(string) ResponseWriter { return w }, Policy{})
	b.HandleControlRequest(ctx, "sess-1", &ndjson.ControlRequest{RequestID: "r1", ToolName: "Write", Input: []byte(`{"file_path":"/tmp/a"}`)})

	select {
	case ev := <-ch:
		assert.Equal(t, multiplex.KindPermissionRequest, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission_request event")
	}

	require.NoError(t, b.Respond(ctx, "sess-1", "r1", "allow_once"))
	require.NoError(t, b.Respond(ctx, "sess-1", "r1", "allow_once")) // duplicate, must be a no-op

	assert.Equal(t, 1, w.count())
}

func TestRespondUnknownRequestIsStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)
	w := &fakeWriter{}
	b := New(store, mux, func(string) rules.Set { return rules.Set{} }, func(string) ResponseWriter { return w }, Policy{})

	err := b.Respond(ctx, "sess-1", "does-not-exist", "allow_once")
	assert.ErrorIs(t, err, ErrStale)
}

func TestReplayOnAttachReusesOriginalSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	mux := multiplex.New(store, nil, nil)

	w := &fakeWriter{}
	b := New(store, mux, func(string) rules.Set { return rules.Set{} }, func(string) ResponseWriter { return w }, Policy{})
	b.HandleControlRequest(ctx, "sess-1", &ndjson.ControlRequest{RequestID: "r1", ToolName: "Write", Input: []byte(`{}`)})

	p, err := store.GetPendingPermission(ctx, "r1")
	require.NoError(t, err)
	require.Greater(t, p.RequestSequence, int64(0))

	ch, err := mux.Attach(ctx, "sess-1", "sub-1", p.RequestSequence)
	require.NoError(t, err)
	b.ReplayOnAttach(ctx, "sess-1")

	select {
	case ev := <-ch:
		assert.Equal(t, multiplex.KindPermissionRequest, ev.Kind)
		assert.Equal(t, p.RequestSequence, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed permission_request event")
	}
}

func TestExpiryLoopDeniesPastExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))
	require.NoError(t, store.SetInputLock(ctx, "sess-1", "", "client-a")) // connected regime: ConnectedTTL applies
	mux := multiplex.New(store, nil, nil)
	w := &fakeWriter{}
	b := New(store, mux, func(string) rules.Set { return rules.Set{} }, func(string) ResponseWriter { return w }, Policy{ConnectedTTL: 10 * time.Millisecond})

	b.HandleControlRequest(ctx, "sess-1", &ndjson.ControlRequest{RequestID: "r1", ToolName: "Write", Input: []byte(`{}`)})
	time.Sleep(30 * time.Millisecond)
	b.expireOnce(ctx)

	require.Equal(t, 1, w.count())
	assert.Equal(t, ndjson.BehaviorDeny, w.resps[0].Behavior)
	assert.Contains(t, w.resps[0].Message, "expired after")
}
