// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// Converse opens the event stream for a session, replaying from
// fromSequence (0 for a new attach) and then delivering events live until
// ctx is cancelled or the connection drops. Each decoded frame is handed to
// onEvent in order; onEvent must not block for long.
func (c *Client) Converse(ctx context.Context, sessionID string, fromSequence int64, onEvent func(json.RawMessage)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/sessions/" + sessionID + "/stream"
	if fromSequence > 0 {
		wsURL += "?from_sequence=" + strconv.FormatInt(fromSequence, 10)
	}
	return c.dialConverse(ctx, wsURL, onEvent)
}

// ConverseNew spawns a brand-new session and streams it from sequence 0,
// delivering the resulting session id as the first thing the caller learns
// about it via the stream's own SessionInfo event. initialPrompt, if
// non-empty, is queued for the child once it attaches.
func (c *Client) ConverseNew(ctx context.Context, initialPrompt string, onEvent func(json.RawMessage)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/sessions/stream"
	if initialPrompt != "" {
		wsURL += "?initial_prompt=" + url.QueryEscape(initialPrompt)
	}
	return c.dialConverse(ctx, wsURL, onEvent)
}

func (c *Client) dialConverse(ctx context.Context, wsURL string, onEvent func(json.RawMessage)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("client: dial converse stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read converse frame: %w", err)
		}
		onEvent(json.RawMessage(raw))
	}
}
