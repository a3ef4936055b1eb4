// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ndjson implements the line-oriented newline-delimited JSON codec
// that sits between the daemon and the wrapped agent subprocess (spec §4.2,
// §6). It is a schema-tolerant reader paired with a strict writer: the
// daemon never panics on malformed child output, but it never emits a
// malformed frame itself.
package ndjson

import "encoding/json"

// Kind is the closed set of canonical inbound message variants, plus
// Unknown for forward compatibility with agent protocol versions the
// daemon has not been taught about yet.
type Kind string

const (
	KindSystemInit     Kind = "system_init"
	KindAssistant      Kind = "assistant"
	KindUserEcho       Kind = "user_echo"
	KindStreamEvent    Kind = "stream_event"
	KindControlRequest Kind = "control_request"
	KindResult         Kind = "result"
	KindUnknown        Kind = "unknown"
)

// Message is the tagged union of everything the codec can hand the event
// bridge. Exactly one of the typed fields is non-nil, selected by Kind.
type Message struct {
	Kind Kind

	SystemInit     *SystemInit
	Assistant      *Assistant
	UserEcho       *UserEcho
	StreamEvent    *StreamEvent
	ControlRequest *ControlRequest
	Result         *Result
	Unknown        *Unknown

	// Raw is the exact line bytes as received, persisted verbatim
	// regardless of how (or whether) the codec could interpret it.
	Raw []byte
}

// SystemInit is emitted once per subprocess lifetime and carries the
// session id the daemon treats as authoritative from then on (spec §9:
// "session id assigned by the agent" == "session id the daemon exposes").
type SystemInit struct {
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools"`
	Model     string   `json:"model"`
	CWD       string   `json:"cwd"`
}

// ContentBlock is one element of an Assistant or UserEcho content array.
// Only the fields relevant to a given Type are populated.
type ContentBlock struct {
	Type  string          `json:"type"` // text, tool_use, tool_result
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage mirrors the agent's cumulative token accounting; fields are
// intentionally untyped-tolerant (see parseNumber) since some agent
// versions emit usage counters as numeric strings.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Assistant is a completed (non-streaming) assistant turn.
type Assistant struct {
	ContentBlocks []ContentBlock `json:"content_blocks"`
	StopReason    string         `json:"stop_reason"` // end_turn, tool_use, max_tokens
	Usage         Usage          `json:"usage"`
}

// UserEcho carries tool results the child echoes back for the transcript.
type UserEcho struct {
	Content []ContentBlock `json:"content"`
}

// StreamEvent is a partial-message delta (spec §6 event.type enum).
type StreamEvent struct {
	Index     int             `json:"index"`
	DeltaKind string          `json:"delta_kind"` // message_start, content_block_start, content_block_delta, content_block_stop, message_delta, message_stop
	Delta     json.RawMessage `json:"delta"`
}

// ControlRequest is a can_use_tool permission request, trapped by the
// permission bridge before it ever reaches the multiplexer.
type ControlRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

// Result closes out a turn with usage/cost accounting.
type Result struct {
	Subtype    string  `json:"subtype"` // success, error
	SessionID  string  `json:"session_id"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Usage      Usage   `json:"usage"`
}

// Unknown preserves an unrecognized top-level type for verbatim
// persistence, per the tolerant-reader rule in spec §4.2.
type Unknown struct {
	RawType string          `json:"raw_type"`
	Payload json.RawMessage `json:"payload"`
}

// Behavior is the daemon's permission decision, delivered to the child via
// ControlResponse.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// ControlResponse is the strict outbound frame answering a ControlRequest.
type ControlResponse struct {
	RequestID    string          `json:"request_id"`
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// UserPrompt is the strict outbound frame carrying a user message into the
// child's next turn.
type UserPrompt struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}
