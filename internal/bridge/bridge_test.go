// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
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

func feed(lines chan<- []byte, msgs ...string) {
	for _, m := range msgs {
		lines <- []byte(m + "\n")
	}
	close(lines)
}

func TestBridgeSystemInitPersistsAndPublishesSessionInfo(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	mux := multiplex.New(store, nil, nil)
	ch, err := mux.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	b := New("sess-1", store, mux, nil)
	lines := make(chan []byte, 4)
	go feed(lines, `{"type":"system","session_id":"sess-1","model":"claude-3","cwd":"/tmp/work","tools":["Bash"]}`)

	require.NoError(t, b.Run(ctx, lines))

	select {
	case ev := <-ch:
		assert.Equal(t, multiplex.KindSessionInfo, ev.Kind)
		assert.Equal(t, int64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session_info event")
	}

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "claude-3", sess.Model)
	assert.Equal(t, "/tmp/work", sess.WorkDir)

	n, err := store.CountEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBridgeResultEmitsUsageAndStatusAndUpdatesSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	mux := multiplex.New(store, nil, nil)
	ch, err := mux.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	b := New("sess-1", store, mux, nil)
	lines := make(chan []byte, 4)
	go feed(lines, `{"type":"result","subtype":"success","session_id":"sess-1","duration_ms":120,"total_cost_usd":0.02,"usage":{"input_tokens":10,"output_tokens":5}}`)

	require.NoError(t, b.Run(ctx, lines))

	var kinds []multiplex.Kind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result-derived events")
		}
	}
	assert.Contains(t, kinds, multiplex.KindUsageReport)
	assert.Contains(t, kinds, multiplex.KindStatusChange)

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sess.TotalInputTokens)
	assert.Equal(t, int64(5), sess.TotalOutputTokens)
	assert.Equal(t, storage.StatusIdle, sess.Status)
}

func TestBridgeAssistantEndTurnThenResultEmitsTurnComplete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	mux := multiplex.New(store, nil, nil)
	ch, err := mux.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	b := New("sess-1", store, mux, nil)
	lines := make(chan []byte, 4)
	go feed(lines,
		`{"type":"assistant","message":{"role":"assistant","stop_reason":"end_turn","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","subtype":"success","session_id":"sess-1","usage":{"input_tokens":1,"output_tokens":1}}`,
	)

	require.NoError(t, b.Run(ctx, lines))

	var kinds []multiplex.Kind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Contains(t, kinds, multiplex.KindTurnComplete)
}

func TestBridgeControlRequestRoutedNotPublished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSession(ctx, storage.Session{ID: "sess-1"}))

	mux := multiplex.New(store, nil, nil)
	ch, err := mux.Attach(ctx, "sess-1", "sub-1", 0)
	require.NoError(t, err)

	var captured *ndjson.ControlRequest
	b := New("sess-1", store, mux, func(ctx context.Context, sessionID string, req *ndjson.ControlRequest) {
		captured = req
	})
	lines := make(chan []byte, 4)
	go feed(lines, `{"type":"control_request","request_id":"req-1","request":{"tool_name":"Bash","input":{"command":"ls"}}}`)

	require.NoError(t, b.Run(ctx, lines))

	require.NotNil(t, captured)
	assert.Equal(t, "req-1", captured.RequestID)
	assert.Equal(t, "Bash", captured.ToolName)

	n, err := store.CountEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event published for control request: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
