// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiHandler(data any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

func apiErrorHandler(code, message string, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": code, "message": message},
		})
	}
}

func TestListSessionsDecodesData(t *testing.T) {
	srv := httptest.NewServer(apiHandler([]Session{{ID: "sess-1", Model: "claude"}}))
	defer srv.Close()

	c := New(srv.URL)
	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].ID)
}

func TestRequestInputLockDecodesGranted(t *testing.T) {
	srv := httptest.NewServer(apiHandler(LockResult{Granted: true}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.RequestInputLock(context.Background(), "sess-1", "client-1")
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestErrorResponseSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(apiErrorHandler("NOT_FOUND", "session not found", http.StatusNotFound))
	defer srv.Close()

	c := New(srv.URL)
	err := c.DeleteSession(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}
