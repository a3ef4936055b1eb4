// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sakost/betcode/internal/multiplex"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Converse handles `GET /v1/sessions/{id}/stream`: it resumes the child if
// it isn't currently running, attaches a subscriber at the requested
// from_sequence (0 for a brand-new client, ResumeSession's cursor
// otherwise), and streams Events as JSON frames over a websocket (spec
// §4.8). Every outbound event carries its own monotonic sequence, so the
// client's own reconnect logic is the only place that tracks a cursor.
func (h *Handler) Converse(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if _, err := h.deps.Store.GetSession(r.Context(), sessionID); err != nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "session not found")
		return
	}
	if h.deps.EnsureSession != nil {
		if _, err := h.deps.EnsureSession(r.Context(), sessionID, ""); err != nil {
			WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
	}

	fromSequence := int64(0)
	if s := r.URL.Query().Get("from_sequence"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			fromSequence = n
		}
	}

	h.streamSession(w, r, sessionID, fromSequence)
}

// ConverseNew handles `GET /v1/sessions/stream`: Converse's session_id ==
// "" case (spec §4.8's "session_id (empty = new)"), spawning a fresh
// session and streaming it from sequence 0. The optional `initial_prompt`
// query parameter is delivered to the new child once its stdin attaches.
func (h *Handler) ConverseNew(w http.ResponseWriter, r *http.Request) {
	if h.deps.EnsureSession == nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, "session creation not wired")
		return
	}
	sessionID, err := h.deps.EnsureSession(r.Context(), "", r.URL.Query().Get("initial_prompt"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	h.streamSession(w, r, sessionID, 0)
}

func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request, sessionID string, fromSequence int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID := multiplex.SubscriberID(uuid.NewString())
	ch, err := h.deps.Mux.Attach(r.Context(), sessionID, subID, fromSequence)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer h.deps.Mux.Detach(r.Context(), sessionID, subID)

	if h.deps.Permissions != nil {
		h.deps.Permissions.ReplayOnAttach(r.Context(), sessionID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
