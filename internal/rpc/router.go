// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the client RPC surface: a bidirectional
// per-session event stream plus a handful of unary operations, framed
// over HTTP/websocket.
package rpc

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/permission"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/storage"
)

// UserPromptSink is the per-session child-stdin writer for user messages.
type UserPromptSink interface {
	WriteUserPrompt(ndjson.UserPrompt) error
}

// Dependencies wires the RPC layer to the rest of the daemon.
type Dependencies struct {
	Store       *storage.Store
	Mux         *multiplex.Multiplexer
	Sessions    *session.Manager
	Permissions *permission.Bridge

	// UserPromptWriter resolves the live child-stdin sink for a session;
	// nil (or a nil return) means the session has no running child.
	UserPromptWriter func(sessionID string) UserPromptSink
	// Interrupt sends an interrupt signal to a session's child without
	// terminating it (CancelTurn).
	Interrupt func(sessionID string) error
	// EnsureSession spawns a new session's child (sessionID == "") or
	// resumes an idle/crashed one, returning the resolved session id.
	// initialPrompt, if non-empty, is delivered once the child attaches.
	EnsureSession func(ctx context.Context, sessionID, initialPrompt string) (string, error)
	// StopSession tears down a session's running child as part of
	// DeleteSession; optional, nil means nothing to stop.
	StopSession func(sessionID string)
}

// NewRouter builds the HTTP/websocket surface.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	h := &Handler{deps: deps, dedup: newIdempotencyCache()}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.RenameSession).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/compact", h.CompactSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/cancel", h.CancelTurn).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", h.SendUserMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/lock", h.RequestInputLock).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/sessions/stream", h.ConverseNew).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", h.Converse).Methods(http.MethodGet)
	api.HandleFunc("/permissions/{request_id}/respond", h.SendPermissionResponse).Methods(http.MethodPost)

	return r
}
