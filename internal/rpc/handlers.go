// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/permission"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/storage"
)

// Handler holds the RPC layer's dependencies and the idempotency cache
// for SendUserMessage: the same UserMessage sent twice with the same
// idempotency key is observed as a single message.
type Handler struct {
	deps  Dependencies
	dedup *idempotencyCache
	locks singleflight.Group
}

type idempotencyCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{seen: make(map[string]time.Time)}
}

// seenRecently reports whether key was already observed, recording it if
// not. A bounded TTL keeps the map from growing without limit.
func (c *idempotencyCache) seenRecently(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, at := range c.seen {
		if now.Sub(at) > time.Hour {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = now
	return false
}

// ListSessions handles `GET /v1/sessions`.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

type renameRequest struct {
	Model   string `json:"model"`
	WorkDir string `json:"work_dir"`
}

// RenameSession handles `PATCH /v1/sessions/{id}`.
func (h *Handler) RenameSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if err := h.deps.Sessions.Rename(r.Context(), id, req.Model, req.WorkDir); err != nil {
		writeStorageErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

// DeleteSession handles `DELETE /v1/sessions/{id}`.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.deps.StopSession != nil {
		h.deps.StopSession(id)
	}
	if err := h.deps.Sessions.Delete(r.Context(), id); err != nil {
		writeStorageErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

// CompactSession handles `POST /v1/sessions/{id}/compact`.
func (h *Handler) CompactSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Sessions.Compact(r.Context(), id); err != nil {
		writeStorageErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

// CancelTurn handles `POST /v1/sessions/{id}/cancel`.
func (h *Handler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.deps.Interrupt == nil {
		WriteError(w, http.StatusConflict, CodeFailedPrecondition, "no running child to interrupt")
		return
	}
	if err := h.deps.Interrupt(id); err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

type sendUserMessageRequest struct {
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SendUserMessage handles `POST /v1/sessions/{id}/messages`. The input lock
// is not checked: the request carries no client id, so any caller can send.
func (h *Handler) SendUserMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendUserMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if h.dedup.seenRecently(req.IdempotencyKey) {
		WriteJSON(w, http.StatusOK, nil)
		return
	}

	sink := h.deps.UserPromptWriter(id)
	if sink == nil {
		WriteError(w, http.StatusConflict, CodeFailedPrecondition, "session has no running child")
		return
	}
	if err := sink.WriteUserPrompt(ndjson.UserPrompt{SessionID: id, Content: req.Content}); err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if h.deps.Permissions != nil {
		h.deps.Permissions.RefreshActivity(r.Context(), id)
	}
	WriteJSON(w, http.StatusOK, nil)
}

type lockRequest struct {
	ClientID string `json:"client_id"`
}

// RequestInputLock handles `POST /v1/sessions/{id}/lock`.
func (h *Handler) RequestInputLock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "client_id required")
		return
	}
	// Collapse a client's racing reconnect retries for the same session
	// into one underlying CAS attempt rather than letting them contend.
	key := fmt.Sprintf("%s:%s", id, req.ClientID)
	_, err, _ := h.locks.Do(key, func() (any, error) {
		return nil, h.deps.Sessions.AcquireInputLock(r.Context(), id, req.ClientID)
	})
	if err != nil {
		if errors.Is(err, session.ErrLockHeld) {
			WriteJSON(w, http.StatusOK, map[string]bool{"granted": false})
			return
		}
		writeStorageErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"granted": true})
}

type permissionResponseRequest struct {
	SessionID      string `json:"session_id"`
	Decision       string `json:"decision"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SendPermissionResponse handles `POST /v1/permissions/{request_id}/respond`.
func (h *Handler) SendPermissionResponse(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var req permissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if h.dedup.seenRecently(req.IdempotencyKey) {
		WriteJSON(w, http.StatusOK, nil)
		return
	}
	if err := h.deps.Permissions.Respond(r.Context(), req.SessionID, requestID, req.Decision); err != nil {
		if errors.Is(err, permission.ErrStale) {
			WriteError(w, http.StatusGone, CodePermissionStale, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

type heartbeatRequest struct {
	ClientID string `json:"client_id"`
}

// Heartbeat handles `POST /v1/sessions/{id}/heartbeat`.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ClientID != "" {
		if err := h.deps.Store.Heartbeat(r.Context(), req.ClientID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
		h.deps.Sessions.Touch(req.ClientID)
	}
	if h.deps.Permissions != nil {
		h.deps.Permissions.RefreshActivity(r.Context(), id)
	}
	WriteJSON(w, http.StatusOK, nil)
}

func writeStorageErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		WriteError(w, http.StatusConflict, CodeFailedPrecondition, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
