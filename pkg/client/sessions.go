// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Session mirrors storage.Session's externally visible fields.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	WorkDir   string    `json:"WorkDir"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// ListSessions returns every session the daemon knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	raw, err := c.get(ctx, "/v1/sessions")
	if err != nil {
		return nil, err
	}
	var out []Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("client: decode sessions: %w", err)
	}
	return out, nil
}

// RenameSession updates a session's model and/or work_dir.
func (c *Client) RenameSession(ctx context.Context, id, model, workDir string) error {
	_, err := c.patchJSON(ctx, "/v1/sessions/"+id, map[string]string{
		"model": model, "work_dir": workDir,
	})
	return err
}

// DeleteSession removes a session and its persisted events.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := c.delete(ctx, "/v1/sessions/"+id)
	return err
}

// CompactSession truncates a session's event log to its recent tail.
func (c *Client) CompactSession(ctx context.Context, id string) error {
	_, err := c.postJSON(ctx, "/v1/sessions/"+id+"/compact", nil)
	return err
}

// CancelTurn interrupts a session's in-flight turn without ending the session.
func (c *Client) CancelTurn(ctx context.Context, id string) error {
	_, err := c.postJSON(ctx, "/v1/sessions/"+id+"/cancel", nil)
	return err
}

// SendUserMessage writes content as the next user turn for a session. The
// daemon does not check the input lock for this call.
func (c *Client) SendUserMessage(ctx context.Context, id, content, idempotencyKey string) error {
	_, err := c.postJSON(ctx, "/v1/sessions/"+id+"/messages", map[string]string{
		"content": content, "idempotency_key": idempotencyKey,
	})
	return err
}

// LockResult is RequestInputLock's response.
type LockResult struct {
	Granted bool `json:"granted"`
}

// RequestInputLock asks for exclusive input ownership of a session.
func (c *Client) RequestInputLock(ctx context.Context, id, clientID string) (LockResult, error) {
	raw, err := c.postJSON(ctx, "/v1/sessions/"+id+"/lock", map[string]string{"client_id": clientID})
	if err != nil {
		return LockResult{}, err
	}
	var out LockResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return LockResult{}, fmt.Errorf("client: decode lock result: %w", err)
	}
	return out, nil
}

// Heartbeat keeps a client's connection and (optionally) a pending
// permission's activity clock alive.
func (c *Client) Heartbeat(ctx context.Context, sessionID, clientID string) error {
	_, err := c.postJSON(ctx, "/v1/sessions/"+sessionID+"/heartbeat", map[string]string{"client_id": clientID})
	return err
}

// SendPermissionResponse answers a forwarded permission request.
func (c *Client) SendPermissionResponse(ctx context.Context, requestID, sessionID, decision, idempotencyKey string) error {
	_, err := c.postJSON(ctx, "/v1/permissions/"+requestID+"/respond", map[string]string{
		"session_id": sessionID, "decision": decision, "idempotency_key": idempotencyKey,
	})
	return err
}
