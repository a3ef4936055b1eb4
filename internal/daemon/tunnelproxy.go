// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/permission"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/tunnel"
)

// tunnelRequest is the generic envelope a remote client's relay-routed
// operation arrives as, carried in a tunnel.Frame's Payload. It mirrors
// the RPC layer's unary operations plus an "attach" op standing in for
// Converse, since the tunnel's BEGIN/DATA/END pattern can carry a stream
// just as well as a single reply.
type tunnelRequest struct {
	Op             string `json:"op"`
	Model          string `json:"model,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"` // permission request id for send_permission_response
	Decision       string `json:"decision,omitempty"`
	FromSequence   int64  `json:"from_sequence,omitempty"`
}

type tunnelResult struct {
	OK      bool   `json:"ok"`
	Granted bool   `json:"granted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TunnelHandler builds the tunnel's RequestHandler: every remote client operation
// proxied through the relay lands here, keyed by the BEGIN frame's
// target_session and a JSON payload describing the operation (spec §4.9's
// "multiplexing remote client requests over one persistent stream").
func (d *Daemon) TunnelHandler(sessions *session.Manager, perm *permission.Bridge) tunnel.RequestHandler {
	return func(ctx context.Context, f tunnel.Frame, reply func(tunnel.Frame) error) {
		if f.Kind != tunnel.FrameBegin {
			return
		}
		var req tunnelRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			replyError(reply, f.RequestID, err)
			return
		}
		sessionID := f.TargetSession

		if req.Op == "attach" {
			d.tunnelAttach(ctx, f.RequestID, sessionID, req.FromSequence, reply)
			return
		}

		err := d.dispatchUnary(ctx, sessionID, req, sessions, perm)
		granted := !errors.Is(err, session.ErrLockHeld)
		if !granted {
			err = nil
		}
		result := tunnelResult{OK: err == nil, Granted: granted}
		if err != nil {
			result.Error = err.Error()
		}
		_ = reply(tunnel.Frame{RequestID: f.RequestID, TargetSession: sessionID, Kind: tunnel.FrameEnd, Payload: mustJSON(result)})
	}
}

func (d *Daemon) dispatchUnary(ctx context.Context, sessionID string, req tunnelRequest, sessions *session.Manager, perm *permission.Bridge) error {
	switch req.Op {
	case "rename_session":
		return sessions.Rename(ctx, sessionID, req.Model, req.WorkDir)
	case "delete_session":
		d.StopSession(sessionID)
		return sessions.Delete(ctx, sessionID)
	case "compact_session":
		return sessions.Compact(ctx, sessionID)
	case "cancel_turn":
		return d.Interrupt(sessionID)
	case "send_user_message":
		w := d.UserPromptWriterFor(sessionID)
		if w == nil {
			return fmt.Errorf("daemon: session %s has no running child", sessionID)
		}
		if err := w.WriteUserPrompt(ndjson.UserPrompt{SessionID: sessionID, Content: req.Content}); err != nil {
			return err
		}
		if perm != nil {
			perm.RefreshActivity(ctx, sessionID)
		}
		return nil
	case "request_input_lock":
		return sessions.AcquireInputLock(ctx, sessionID, req.ClientID)
	case "heartbeat":
		if req.ClientID != "" {
			if err := d.store.Heartbeat(ctx, req.ClientID); err != nil {
				return err
			}
			sessions.Touch(req.ClientID)
		}
		if perm != nil {
			perm.RefreshActivity(ctx, sessionID)
		}
		return nil
	case "send_permission_response":
		if perm == nil {
			return fmt.Errorf("daemon: permissions not wired")
		}
		return perm.Respond(ctx, sessionID, req.RequestID, req.Decision)
	default:
		return fmt.Errorf("daemon: unknown tunnel op %q", req.Op)
	}
}

// tunnelAttach streams a session's Events over the tunnel the same way
// rpc.Converse streams them over a websocket, using the BEGIN frame's
// request_id as the subscriber identity.
func (d *Daemon) tunnelAttach(ctx context.Context, requestID, sessionID string, fromSequence int64, reply func(tunnel.Frame) error) {
	subID := multiplex.SubscriberID(requestID)
	ch, err := d.mux.Attach(ctx, sessionID, subID, fromSequence)
	if err != nil {
		replyError(reply, requestID, err)
		return
	}
	defer d.mux.Detach(ctx, sessionID, subID)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = reply(tunnel.Frame{RequestID: requestID, TargetSession: sessionID, Kind: tunnel.FrameEnd})
				return
			}
			if err := reply(tunnel.Frame{RequestID: requestID, TargetSession: sessionID, Kind: tunnel.FrameData, Payload: mustJSON(ev)}); err != nil {
				logging.Warn().Str("session_id", sessionID).Err(err).Msg("daemon: tunnel attach send failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func replyError(reply func(tunnel.Frame) error, requestID string, err error) {
	_ = reply(tunnel.Frame{RequestID: requestID, Kind: tunnel.FrameError, Payload: mustJSON(map[string]string{"error": err.Error()})})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
