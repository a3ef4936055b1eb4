// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package permission evaluates a trapped control_request against the
// session's rule set and grants, durably tracks requests that must be
// forwarded to a client, enforces the tiered connected/disconnected TTL,
// and dispatches the resulting control_response to the child exactly
// once.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/rules"
	"github.com/sakost/betcode/internal/storage"
)

// ErrStale is returned for a response naming an unknown request_id,
// surfaced to the client as PERMISSION_STALE.
var ErrStale = errors.New("permission: unknown or already-finalized request_id")

// Policy tunes the tiered connected/disconnected TTL.
type Policy struct {
	ConnectedTTL    time.Duration // default 60s
	DisconnectedTTL time.Duration // default 7 days; bounds 1h..30d
}

func (p Policy) withDefaults() Policy {
	if p.ConnectedTTL <= 0 {
		p.ConnectedTTL = 60 * time.Second
	}
	if p.DisconnectedTTL <= 0 {
		p.DisconnectedTTL = 7 * 24 * time.Hour
	}
	if p.DisconnectedTTL < time.Hour {
		p.DisconnectedTTL = time.Hour
	}
	if p.DisconnectedTTL > 30*24*time.Hour {
		p.DisconnectedTTL = 30 * 24 * time.Hour
	}
	return p
}

// ResponseWriter is the child's stdin frame sink; satisfied by
// *ndjson.Writer in production and a fake in tests.
type ResponseWriter interface {
	WriteControlResponse(ndjson.ControlResponse) error
}

// RuleProvider resolves the current rule set for a session, letting the
// permission bridge stay ignorant of where rules are loaded from (file,
// fsnotify-watched directory, etc).
type RuleProvider func(sessionID string) rules.Set

// Bridge is the permission approval flow, scoped to one daemon (sessions
// are distinguished by the sessionID argument on every call, mirroring
// the teacher's single long-lived service components rather than one
// instance per session).
type Bridge struct {
	store    *storage.Store
	mux      *multiplex.Multiplexer
	ruleSet  RuleProvider
	policy   Policy
	writerOf func(sessionID string) ResponseWriter
}

// New builds a Bridge. writerOf resolves the live child-stdin writer for a
// session at dispatch time, since the child may have been respawned.
func New(store *storage.Store, mux *multiplex.Multiplexer, ruleSet RuleProvider, writerOf func(string) ResponseWriter, policy Policy) *Bridge {
	return &Bridge{store: store, mux: mux, ruleSet: ruleSet, writerOf: writerOf, policy: policy.withDefaults()}
}

// HandleControlRequest is the bridge's routing target for every trapped
// control_request. It evaluates rules and grants first; only a Forward
// decision creates a durable pending row and a PermissionRequest event.
func (b *Bridge) HandleControlRequest(ctx context.Context, sessionID string, req *ndjson.ControlRequest) {
	grants, err := b.store.GrantsForSession(ctx, sessionID)
	if err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: load grants failed")
		return
	}
	set := rules.Set{}
	if b.ruleSet != nil {
		set = b.ruleSet(sessionID)
	}

	action, pattern := rules.MatchExplain(set, grants, req.ToolName, req.Input)
	switch action {
	case rules.ActionAllow:
		b.autoResolve(ctx, sessionID, req, ndjson.BehaviorAllow, "", storage.AuditAutoApprovedTool)
	case rules.ActionDeny:
		msg := "denied by rule"
		if pattern != "" {
			msg = fmt.Sprintf("denied by rule %s", pattern)
		}
		b.autoResolve(ctx, sessionID, req, ndjson.BehaviorDeny, msg, storage.AuditDeniedTool)
	default:
		b.forward(ctx, sessionID, req)
	}
}

func (b *Bridge) autoResolve(ctx context.Context, sessionID string, req *ndjson.ControlRequest, behavior ndjson.Behavior, message string, auditKind storage.AuditKind) {
	w := b.writerOf(sessionID)
	if w == nil {
		logging.Error().Str("session_id", sessionID).Msg("permission: no stdin writer for auto-resolved request")
		return
	}
	if err := w.WriteControlResponse(ndjson.ControlResponse{RequestID: req.RequestID, Behavior: behavior, Message: message}); err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: write auto control_response failed")
		return
	}
	if err := b.store.AuditAppend(ctx, sessionID, auditKind, req.Input, string(behavior), "info"); err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: audit append failed")
	}
	b.emitResult(ctx, sessionID, req.RequestID, string(behavior), false)
}

func (b *Bridge) forward(ctx context.Context, sessionID string, req *ndjson.ControlRequest) {
	now := time.Now()
	expiry := now.Add(b.ttlFor(ctx, sessionID))

	if err := b.store.CreatePendingPermission(ctx, storage.PendingPermission{
		RequestID: req.RequestID, SessionID: sessionID, ToolName: req.ToolName,
		Input: req.Input, ReceivedAt: now, ExpiresAt: expiry,
	}); err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: create pending row failed")
		return
	}

	payload, _ := json.Marshal(struct {
		RequestID string          `json:"request_id"`
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		IsReplay  bool            `json:"is_replay"`
	}{req.RequestID, req.ToolName, req.Input, false})

	sequence, err := b.store.AppendEvent(ctx, sessionID, storage.EventControlRequest, payload)
	if err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: append control_request event failed")
		return
	}
	if err := b.store.MarkForwarded(ctx, req.RequestID, now, sequence); err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: mark forwarded failed")
	}

	b.mux.Publish(multiplex.Event{SessionID: sessionID, Sequence: sequence, Kind: multiplex.KindPermissionRequest, Payload: payload, CreatedAt: now})
}

// ttlFor picks the connected or disconnected TTL depending on whether the
// session currently has an input-lock holder.
func (b *Bridge) ttlFor(ctx context.Context, sessionID string) time.Duration {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err == nil && sess.InputLockHolder != "" {
		return b.policy.ConnectedTTL
	}
	return b.policy.DisconnectedTTL
}

// Respond applies a client's PermissionResponse idempotently (spec §4.6).
// decision is one of allow_once/deny_once/allow_session/deny_session.
func (b *Bridge) Respond(ctx context.Context, sessionID, requestID, decision string) error {
	pending, err := b.store.GetPendingPermission(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrStale
		}
		return err
	}
	if pending.ResponseReceived {
		return nil // idempotent: already dispatched, report success
	}

	if err := b.store.MarkResponded(ctx, requestID, decision); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil // another caller won the race; still a success outcome
		}
		return err
	}

	behavior := ndjson.BehaviorDeny
	if decision == "allow_once" || decision == "allow_session" {
		behavior = ndjson.BehaviorAllow
	}
	w := b.writerOf(sessionID)
	if w == nil {
		return fmt.Errorf("permission: no stdin writer for session %s", sessionID)
	}
	if err := w.WriteControlResponse(ndjson.ControlResponse{RequestID: requestID, Behavior: behavior}); err != nil {
		return fmt.Errorf("permission: write control_response: %w", err)
	}

	if decision == "allow_session" || decision == "deny_session" {
		gdecision := storage.DecisionAllow
		if decision == "deny_session" {
			gdecision = storage.DecisionDeny
		}
		if err := b.store.AddGrant(ctx, storage.PermissionGrant{
			SessionID: sessionID, ToolName: pending.ToolName,
			Pattern: rules.CanonicalArg(pending.ToolName, pending.Input), Decision: gdecision,
		}); err != nil {
			logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: add session grant failed")
		}
	}

	b.emitResult(ctx, sessionID, requestID, decision, false)
	return nil
}

func (b *Bridge) emitResult(ctx context.Context, sessionID, requestID, decision string, isReplay bool) {
	payload, _ := json.Marshal(struct {
		RequestID string `json:"request_id"`
		Decision  string `json:"decision"`
	}{requestID, decision})
	sequence, err := b.store.AppendEvent(ctx, sessionID, storage.EventControlResp, payload)
	if err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: append control_response event failed")
		return
	}
	b.mux.Publish(multiplex.Event{SessionID: sessionID, Sequence: sequence, Kind: multiplex.KindPermissionResult, Payload: payload})
}

// ReplayOnAttach re-emits PermissionRequest events (marked is_replay=true)
// for every forwarded-but-unresponded pending request, so a reconnecting
// client is reminded of decisions still awaiting it. Call this after a
// subscriber's normal storage-backed replay completes.
func (b *Bridge) ReplayOnAttach(ctx context.Context, sessionID string) {
	rows, err := b.store.ListUnrespondedReplayable(ctx, sessionID)
	if err != nil {
		logging.Error().Str("session_id", sessionID).Err(err).Msg("permission: list replayable failed")
		return
	}
	for _, p := range rows {
		payload, _ := json.Marshal(struct {
			RequestID string          `json:"request_id"`
			ToolName  string          `json:"tool_name"`
			Input     json.RawMessage `json:"input"`
			IsReplay  bool            `json:"is_replay"`
		}{p.RequestID, p.ToolName, p.Input, true})
		b.mux.Publish(multiplex.Event{SessionID: sessionID, Sequence: p.RequestSequence, Kind: multiplex.KindPermissionRequest, Payload: payload, CreatedAt: p.ReceivedAt})
	}
}

// RefreshActivity re-arms the disconnected-regime TTL to its full value for
// every pending request of a session, called on reconnect/heartbeat/any
// message while no input lock is held (spec §4.6: "any client activity...
// resets the remaining TTL to the full disconnected value").
func (b *Bridge) RefreshActivity(ctx context.Context, sessionID string) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil || sess.InputLockHolder != "" {
		return
	}
	rows, err := b.store.ListPendingForSession(ctx, sessionID)
	if err != nil {
		return
	}
	newExpiry := time.Now().Add(b.policy.DisconnectedTTL)
	for _, p := range rows {
		if p.ResponseReceived {
			continue
		}
		_ = b.store.ExtendTTL(ctx, p.RequestID, newExpiry)
	}
}

// RunExpiryLoop periodically denies pending requests past their expiry
// (soft expiration: the conversation continues, spec §4.6).
func (b *Bridge) RunExpiryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.expireOnce(ctx)
		}
	}
}

func (b *Bridge) expireOnce(ctx context.Context) {
	rows, err := b.store.ListExpiringBefore(ctx, time.Now())
	if err != nil {
		logging.Error().Err(err).Msg("permission: list expiring failed")
		return
	}
	for _, p := range rows {
		if err := b.store.MarkResponded(ctx, p.RequestID, "deny"); err != nil {
			continue // already responded by a concurrent client reply; not an error
		}
		age := time.Since(p.ReceivedAt).Round(time.Second)
		msg := fmt.Sprintf("expired after %s", age)
		if w := b.writerOf(p.SessionID); w != nil {
			_ = w.WriteControlResponse(ndjson.ControlResponse{RequestID: p.RequestID, Behavior: ndjson.BehaviorDeny, Message: msg})
		}
		payload, _ := json.Marshal(struct {
			RequestID string `json:"request_id"`
			Message   string `json:"message"`
		}{p.RequestID, msg})
		sequence, err := b.store.AppendEvent(ctx, p.SessionID, storage.EventControlResp, payload)
		if err != nil {
			continue
		}
		b.mux.Publish(multiplex.Event{SessionID: p.SessionID, Sequence: sequence, Kind: multiplex.KindPermissionResult, Payload: payload})
	}
}

// PushAdapter sends a reminder notification for a long-pending request.
type PushAdapter interface {
	Push(ctx context.Context, sessionID, requestID string, hour24 bool) error
}

// RunReminderLoop sends 1h/24h reminders for disconnected-regime pending
// requests every interval (spec §4.6: "every 5 minutes").
func (b *Bridge) RunReminderLoop(ctx context.Context, interval time.Duration, push PushAdapter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.remindOnce(ctx, push)
		}
	}
}

func (b *Bridge) remindOnce(ctx context.Context, push PushAdapter) {
	now := time.Now()
	for _, hour24 := range []bool{false, true} {
		threshold := now.Add(-time.Hour)
		if hour24 {
			threshold = now.Add(-24 * time.Hour)
		}
		rows, err := b.store.ListForReminder(ctx, threshold, hour24)
		if err != nil {
			continue
		}
		for _, p := range rows {
			if push != nil {
				if err := push.Push(ctx, p.SessionID, p.RequestID, hour24); err != nil {
					logging.Warn().Str("session_id", p.SessionID).Err(err).Msg("permission: reminder push failed")
					continue
				}
			}
			_ = b.store.SetReminderSent(ctx, p.RequestID, hour24)
		}
	}
}
