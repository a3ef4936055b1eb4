// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/sakost/betcode/internal/logging"
)

// DefaultMaxLineBytes is the default NDJSON truncation threshold (spec §4.2).
const DefaultMaxLineBytes = 10 * 1024 * 1024

// truncationMarker is appended to a line truncated at MaxLineBytes, so a
// reader inspecting the persisted Raw bytes can tell a frame was cut.
const truncationMarker = "...<truncated>"

// Reader reads NDJSON frames line by line from a child's stdout, applying
// the tolerant-reader rules of spec §4.2: invalid UTF-8 and invalid JSON are
// dropped (and logged) rather than fatal, unknown top-level types surface
// as Unknown rather than being dropped, and lines longer than MaxLineBytes
// are truncated with a sentinel marker rather than causing unbounded
// buffering.
type Reader struct {
	scanner      *bufio.Scanner
	MaxLineBytes int
	sessionID    string // for logging only; set by the caller once known
}

// NewReader wraps r for per-line NDJSON parsing. maxLineBytes<=0 uses the
// default.
func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes+len(truncationMarker)+1)
	return &Reader{scanner: sc, MaxLineBytes: maxLineBytes}
}

// SetSessionID attaches a session id to subsequent log lines; the bridge
// calls this once SystemInit has assigned one.
func (r *Reader) SetSessionID(id string) { r.sessionID = id }

// Next reads and parses the next frame. Returns io.EOF when the underlying
// stream is exhausted. A nil Message with a nil error means the line was
// dropped per the tolerant rules (caller should loop and call Next again).
func (r *Reader) Next() (*Message, error) {
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("ndjson: read line: %w", err)
			}
			return nil, io.EOF
		}

		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		truncated := false
		if len(line) > r.MaxLineBytes {
			line = append(append([]byte{}, line[:r.MaxLineBytes]...), []byte(truncationMarker)...)
			truncated = true
			logging.Logger.Warn().Str("session_id", r.sessionID).Int("limit", r.MaxLineBytes).
				Msg("ndjson: line exceeded max_line_bytes, truncated")
		}

		// Copy out of the scanner's reused buffer before returning/storing.
		raw := make([]byte, len(line))
		copy(raw, line)

		if !utf8.Valid(raw) {
			logging.Logger.Warn().Str("session_id", r.sessionID).Msg("ndjson: dropped frame with invalid UTF-8")
			continue
		}

		msg, err := parseLine(raw)
		if err != nil {
			logging.Logger.Warn().Str("session_id", r.sessionID).Err(err).Msg("ndjson: dropped frame with invalid JSON")
			continue
		}
		msg.Raw = raw
		_ = truncated
		return msg, nil
	}
}

// envelope is the minimal top-level shape every agent frame shares.
type envelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`

	SessionID  string          `json:"session_id"`
	Tools      []string        `json:"tools"`
	Model      string          `json:"model"`
	CWD        string          `json:"cwd"`
	Event      json.RawMessage `json:"event"`
	RequestID  string          `json:"request_id"`
	Request    json.RawMessage `json:"request"`
	DurationMs json.RawMessage `json:"duration_ms"`
	CostUSD    json.RawMessage `json:"total_cost_usd"`
	Usage      json.RawMessage `json:"usage"`
}

type messageEnvelope struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type controlRequestEnvelope struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

type streamEventEnvelope struct {
	Type  string          `json:"type"`
	Index json.RawMessage `json:"index"`
	Delta json.RawMessage `json:"delta"`
}

// parseLine never panics on well-formed JSON (spec §4.2): unrecognized
// fields are ignored, missing optional fields take their documented
// defaults, and numeric fields tolerate both a JSON number and a numeric
// string.
func parseLine(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "system":
		return &Message{Kind: KindSystemInit, SystemInit: &SystemInit{
			SessionID: env.SessionID,
			Tools:     env.Tools,
			Model:     env.Model,
			CWD:       env.CWD,
		}}, nil

	case "assistant":
		var me messageEnvelope
		_ = json.Unmarshal(env.Message, &me)
		blocks := parseContentBlocks(me.Content)
		var stopReason string
		var outer struct {
			StopReason string `json:"stop_reason"`
		}
		_ = json.Unmarshal(env.Message, &outer)
		stopReason = outer.StopReason
		return &Message{Kind: KindAssistant, Assistant: &Assistant{
			ContentBlocks: blocks,
			StopReason:    stopReason,
			Usage:         parseUsage(env.Usage),
		}}, nil

	case "user":
		var me messageEnvelope
		_ = json.Unmarshal(env.Message, &me)
		return &Message{Kind: KindUserEcho, UserEcho: &UserEcho{
			Content: parseContentBlocks(me.Content),
		}}, nil

	case "stream_event":
		var se streamEventEnvelope
		_ = json.Unmarshal(env.Event, &se)
		return &Message{Kind: KindStreamEvent, StreamEvent: &StreamEvent{
			Index:     int(parseNumber(se.Index)),
			DeltaKind: conservativeDeltaKind(se.Type),
			Delta:     se.Delta,
		}}, nil

	case "control_request":
		var cr controlRequestEnvelope
		_ = json.Unmarshal(env.Request, &cr)
		return &Message{Kind: KindControlRequest, ControlRequest: &ControlRequest{
			RequestID: env.RequestID,
			ToolName:  cr.ToolName,
			Input:     cr.Input,
		}}, nil

	case "result":
		return &Message{Kind: KindResult, Result: &Result{
			Subtype:    conservativeSubtype(env.Subtype),
			SessionID:  env.SessionID,
			DurationMs: int64(parseNumber(env.DurationMs)),
			CostUSD:    parseNumber(env.CostUSD),
			Usage:      parseUsage(env.Usage),
		}}, nil

	default:
		return &Message{Kind: KindUnknown, Unknown: &Unknown{
			RawType: env.Type,
			Payload: raw,
		}}, nil
	}
}

func parseContentBlocks(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	// content may be a bare string on some agent versions.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	return nil
}

func parseUsage(raw json.RawMessage) Usage {
	if len(raw) == 0 {
		return Usage{}
	}
	var u struct {
		InputTokens  json.RawMessage `json:"input_tokens"`
		OutputTokens json.RawMessage `json:"output_tokens"`
	}
	_ = json.Unmarshal(raw, &u)
	return Usage{
		InputTokens:  int64(parseNumber(u.InputTokens)),
		OutputTokens: int64(parseNumber(u.OutputTokens)),
	}
}

// parseNumber accepts a JSON number or a numeric string, per the
// tolerant-reader rule; an unparseable or absent value yields 0.
func parseNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

var validDeltaKinds = map[string]bool{
	"message_start": true, "content_block_start": true, "content_block_delta": true,
	"content_block_stop": true, "message_delta": true, "message_stop": true,
}

// conservativeDeltaKind degrades an unrecognized stream_event.type to the
// most conservative defined value, per the tolerant-reader rules.
func conservativeDeltaKind(t string) string {
	if validDeltaKinds[t] {
		return t
	}
	return "message_delta"
}

func conservativeSubtype(s string) string {
	if s == "success" {
		return "success"
	}
	return "error"
}

// Writer emits strict outbound frames to the child's stdin. Unlike Reader,
// Writer never tolerates malformed input — callers build well-formed
// ControlResponse/UserPrompt values and Writer is purely a serializer.
type Writer struct {
	w   io.Writer
	enc *json.Encoder
}

// NewWriter wraps w for strict NDJSON frame writing.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{w: w, enc: enc}
}

type controlResponseWire struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string       `json:"subtype"`
		RequestID string       `json:"request_id"`
		Response  responseWire `json:"response"`
	} `json:"response"`
}

type responseWire struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// WriteControlResponse serializes and writes a control_response frame.
func (w *Writer) WriteControlResponse(resp ControlResponse) error {
	var wire controlResponseWire
	wire.Type = "control_response"
	wire.Response.Subtype = "success"
	wire.Response.RequestID = resp.RequestID
	wire.Response.Response = responseWire{
		Behavior:     resp.Behavior,
		UpdatedInput: resp.UpdatedInput,
		Message:      resp.Message,
	}
	return w.enc.Encode(wire)
}

type userPromptWire struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// WriteUserPrompt serializes and writes a user message frame.
func (w *Writer) WriteUserPrompt(p UserPrompt) error {
	var wire userPromptWire
	wire.Type = "user"
	wire.SessionID = p.SessionID
	wire.Message.Role = "user"
	wire.Message.Content = p.Content
	return w.enc.Encode(wire)
}
