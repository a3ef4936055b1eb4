// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/storage"
)

type fakeSink struct {
	mu    sync.Mutex
	sent  []ndjson.UserPrompt
}

func (f *fakeSink) WriteUserPrompt(p ndjson.UserPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDeps(t *testing.T) (Dependencies, *fakeSink) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mux := multiplex.New(store, nil, nil)
	sessions := session.New(store, mux, nil)
	sink := &fakeSink{}

	return Dependencies{
		Store:    store,
		Mux:      mux,
		Sessions: sessions,
		UserPromptWriter: func(string) UserPromptSink { return sink },
	}, sink
}

func TestListSessionsReturnsOK(t *testing.T) {
	deps, _ := newTestDeps(t)
	require.NoError(t, deps.Store.UpsertSession(context.Background(), storage.Session{ID: "sess-1"}))
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendUserMessageDedupesIdempotencyKey(t *testing.T) {
	deps, sink := newTestDeps(t)
	require.NoError(t, deps.Store.UpsertSession(context.Background(), storage.Session{ID: "sess-1"}))
	r := NewRouter(deps)

	body := []byte(`{"content":"hi","idempotency_key":"k1"}`)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/messages", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, sink.count())
}

func TestRequestInputLockGrantsWhenUncontended(t *testing.T) {
	deps, _ := newTestDeps(t)
	require.NoError(t, deps.Store.UpsertSession(context.Background(), storage.Session{ID: "sess-1"}))
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/lock", bytes.NewReader([]byte(`{"client_id":"c1"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"granted":true`)
}

func TestRenameSessionNotFound(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPatch, "/v1/sessions/missing", bytes.NewReader([]byte(`{"model":"x"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
