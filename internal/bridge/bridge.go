// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/storage"
)

// ControlRequestHandler is the permission bridge's entry point for a
// trapped permission request; the bridge never forwards these to the
// multiplexer itself.
type ControlRequestHandler func(ctx context.Context, sessionID string, req *ndjson.ControlRequest)

// Bridge is one instance per supervised subprocess, pumping its stdout
// through the NDJSON codec, persisting every frame except control requests,
// and translating it into the internal event vocabulary the multiplexer
// fans out.
type Bridge struct {
	sessionID string
	store     *storage.Store
	mux       *multiplex.Multiplexer
	onControl ControlRequestHandler

	maxLineBytes int
	pendingTurn  bool // an Assistant with stop_reason=end_turn is waiting for its Result
}

// New builds a Bridge for sessionID. onControl may be nil only in tests
// that don't exercise control requests.
func New(sessionID string, store *storage.Store, mux *multiplex.Multiplexer, onControl ControlRequestHandler) *Bridge {
	return &Bridge{sessionID: sessionID, store: store, mux: mux, onControl: onControl}
}

// Run reads lines off the supervisor's stdout channel until it closes or
// ctx is cancelled, persisting and translating each one. It returns nil on
// a clean channel close, ctx.Err() on cancellation, or the read error
// otherwise.
func (b *Bridge) Run(ctx context.Context, lines <-chan []byte) error {
	r := ndjson.NewReader(newChanReader(lines), b.maxLineBytes)
	r.SetSessionID(b.sessionID)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg == nil {
			continue // dropped by the tolerant reader, keep pumping
		}

		if err := b.handle(ctx, msg); err != nil {
			logging.Error().Str("session_id", b.sessionID).Err(err).Msg("bridge: failed to handle frame")
		}
	}
}

// handle hands a control request to onControl without persisting or
// publishing it here; every other frame is persisted, translated and
// published (spec §4.4's translation table).
func (b *Bridge) handle(ctx context.Context, msg *ndjson.Message) error {
	kind := storageKindFor(msg.Kind)

	// Control requests are not appended or published by this bridge: they
	// are routed straight to the permission bridge, which appends a
	// control_request event itself only when it forwards the request to
	// clients. An auto-resolved request leaves only its control_response
	// result event in the log.
	if msg.Kind == ndjson.KindControlRequest {
		if b.onControl != nil {
			b.onControl(ctx, b.sessionID, msg.ControlRequest)
		}
		return nil
	}

	sequence, err := b.store.AppendEvent(ctx, b.sessionID, kind, msg.Raw)
	if err != nil {
		return err
	}

	for _, ev := range b.translate(msg, sequence) {
		b.mux.Publish(ev)
	}

	return b.sideEffects(ctx, msg)
}

// translate maps one parsed NDJSON frame to zero or more internal events,
// per spec §4.4. Most frames produce exactly one; a StreamEvent whose
// delta_kind isn't a recognized live-update case produces none (it's still
// persisted above, just not surfaced to subscribers as a distinct kind).
func (b *Bridge) translate(msg *ndjson.Message, sequence int64) []multiplex.Event {
	base := multiplex.Event{SessionID: b.sessionID, Sequence: sequence}

	switch msg.Kind {
	case ndjson.KindSystemInit:
		base.Kind = multiplex.KindSessionInfo
		base.Payload = mustJSON(msg.SystemInit)
		return []multiplex.Event{base}

	case ndjson.KindStreamEvent:
		se := msg.StreamEvent
		switch se.DeltaKind {
		case "content_block_delta":
			base.Kind = multiplex.KindTextDelta
			base.Payload = se.Delta
			return []multiplex.Event{base}
		case "content_block_start":
			base.Kind = multiplex.KindToolCallStart
			base.Payload = se.Delta
			return []multiplex.Event{base}
		default:
			return nil
		}

	case ndjson.KindAssistant:
		if msg.Assistant.StopReason != "end_turn" {
			return nil
		}
		// The TurnComplete event itself is only emitted once the matching
		// Result closes out usage accounting; remember we're waiting on it.
		b.pendingTurn = true
		return nil

	case ndjson.KindResult:
		events := make([]multiplex.Event, 0, 2)
		usage := multiplex.Event{SessionID: b.sessionID, Sequence: sequence, Kind: multiplex.KindUsageReport, Payload: mustJSON(msg.Result)}
		events = append(events, usage)
		if b.pendingTurn {
			turn := multiplex.Event{SessionID: b.sessionID, Sequence: sequence, Kind: multiplex.KindTurnComplete, Payload: mustJSON(msg.Result)}
			events = append(events, turn)
			b.pendingTurn = false
		}
		status := multiplex.Event{SessionID: b.sessionID, Sequence: sequence, Kind: multiplex.KindStatusChange, Payload: json.RawMessage(`{"status":"idle"}`)}
		events = append(events, status)
		return events

	default:
		return nil
	}
}

// sideEffects applies the storage mutations a frame implies beyond its own
// event row: usage accounting and status on Result, session metadata
// refresh on SystemInit.
func (b *Bridge) sideEffects(ctx context.Context, msg *ndjson.Message) error {
	switch msg.Kind {
	case ndjson.KindSystemInit:
		si := msg.SystemInit
		return b.store.UpsertSession(ctx, storage.Session{ID: b.sessionID, Model: si.Model, WorkDir: si.CWD})

	case ndjson.KindResult:
		r := msg.Result
		if err := b.store.AddUsage(ctx, b.sessionID, r.Usage.InputTokens, r.Usage.OutputTokens, r.CostUSD); err != nil {
			return err
		}
		return b.store.SetStatus(ctx, b.sessionID, storage.StatusIdle)
	}
	return nil
}

func storageKindFor(k ndjson.Kind) storage.EventKind {
	switch k {
	case ndjson.KindSystemInit:
		return storage.EventSystemInit
	case ndjson.KindAssistant:
		return storage.EventAssistant
	case ndjson.KindUserEcho:
		return storage.EventUserEcho
	case ndjson.KindStreamEvent:
		return storage.EventStreamDelta
	case ndjson.KindResult:
		return storage.EventResult
	case ndjson.KindControlRequest:
		return storage.EventControlRequest
	default:
		return storage.EventKind(k)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
