// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ndjson

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesSystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"s1","tools":["Read","Bash"],"model":"claude-3","cwd":"/p"}` + "\n"
	r := NewReader(strings.NewReader(line), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindSystemInit, msg.Kind)
	assert.Equal(t, "s1", msg.SystemInit.SessionID)
	assert.Equal(t, []string{"Read", "Bash"}, msg.SystemInit.Tools)
}

func TestReaderControlRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Read","input":{"file_path":"/p/x.rs"}}}` + "\n"
	r := NewReader(strings.NewReader(line), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindControlRequest, msg.Kind)
	assert.Equal(t, "r1", msg.ControlRequest.RequestID)
	assert.Equal(t, "Read", msg.ControlRequest.ToolName)
	assert.JSONEq(t, `{"file_path":"/p/x.rs"}`, string(msg.ControlRequest.Input))
}

func TestReaderUnknownTypeSurfaces(t *testing.T) {
	line := `{"type":"subagent_spawn","data":"x"}` + "\n"
	r := NewReader(strings.NewReader(line), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindUnknown, msg.Kind)
	assert.Equal(t, "subagent_spawn", msg.Unknown.RawType)
}

func TestReaderDropsInvalidJSON(t *testing.T) {
	input := "{not json}\n" + `{"type":"result","subtype":"success","session_id":"s1","duration_ms":12}` + "\n"
	r := NewReader(strings.NewReader(input), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindResult, msg.Kind)
	assert.Equal(t, "s1", msg.Result.SessionID)
}

func TestReaderDropsInvalidUTF8(t *testing.T) {
	bad := append([]byte(`{"type":"result","subtype":"success",`), 0xff, 0xfe)
	bad = append(bad, []byte(`"session_id":"s1"}`)...)
	input := append(bad, '\n')
	input = append(input, []byte(`{"type":"result","subtype":"success","session_id":"s2","duration_ms":1}`+"\n")...)

	r := NewReader(bytes.NewReader(input), 0)
	msg, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindResult, msg.Kind)
	assert.Equal(t, "s2", msg.Result.SessionID)
}

func TestReaderTruncatesOversizedLine(t *testing.T) {
	big := strings.Repeat("a", 100)
	line := `{"type":"result","subtype":"success","session_id":"` + big + `"}` + "\n"
	r := NewReader(strings.NewReader(line), 40)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Contains(t, string(msg.Raw), truncationMarker)
}

func TestReaderEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""), 0)
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNumericStringTolerance(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"s1","duration_ms":"42","total_cost_usd":"1.5"}` + "\n"
	r := NewReader(strings.NewReader(line), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.Result.DurationMs)
	assert.InDelta(t, 1.5, msg.Result.CostUSD, 0.0001)
}

func TestWriterControlResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteControlResponse(ControlResponse{
		RequestID: "r1",
		Behavior:  BehaviorAllow,
	}))

	r := NewReader(&buf, 0)
	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, msg.Kind) // control_response isn't a recognized inbound type
	assert.Equal(t, "control_response", msg.Unknown.RawType)
	assert.Contains(t, string(msg.Raw), `"behavior":"allow"`)
}

func TestWriterUserPrompt(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUserPrompt(UserPrompt{SessionID: "s1", Content: "hello"}))
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
	assert.Contains(t, buf.String(), `"content":"hello"`)
}
