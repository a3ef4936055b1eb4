// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/storage"
	"github.com/sakost/betcode/internal/tunnel"
)

type recordingReplier struct {
	mu     sync.Mutex
	frames []tunnel.Frame
}

func (r *recordingReplier) reply(f tunnel.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingReplier) all() []tunnel.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tunnel.Frame(nil), r.frames...)
}

func TestTunnelHandlerSendUserMessage(t *testing.T) {
	d := newTestDaemon(t, []string{"sh", "-c", "cat >/dev/null"})
	id, err := d.EnsureSession(context.Background(), "", "")
	require.NoError(t, err)
	waitForWriter(t, d, id, 2*time.Second)

	handler := d.TunnelHandler(d.sessions, d.permissions)
	rec := &recordingReplier{}
	payload, _ := json.Marshal(tunnelRequest{Op: "send_user_message", Content: "hello"})
	handler(context.Background(), tunnel.Frame{RequestID: "r1", TargetSession: id, Kind: tunnel.FrameBegin, Payload: payload}, rec.reply)

	frames := rec.all()
	require.Len(t, frames, 1)
	assert.Equal(t, tunnel.FrameEnd, frames[0].Kind)
	var res tunnelResult
	require.NoError(t, json.Unmarshal(frames[0].Payload, &res))
	assert.True(t, res.OK)
}

func TestTunnelHandlerUnknownOpErrors(t *testing.T) {
	d := newTestDaemon(t, []string{"sh", "-c", "cat >/dev/null"})
	handler := d.TunnelHandler(d.sessions, d.permissions)
	rec := &recordingReplier{}
	payload, _ := json.Marshal(tunnelRequest{Op: "not_a_real_op"})
	handler(context.Background(), tunnel.Frame{RequestID: "r2", TargetSession: "sess-x", Kind: tunnel.FrameBegin, Payload: payload}, rec.reply)

	frames := rec.all()
	require.Len(t, frames, 1)
	var res tunnelResult
	require.NoError(t, json.Unmarshal(frames[0].Payload, &res))
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestTunnelHandlerRequestLockGranted(t *testing.T) {
	d := newTestDaemon(t, []string{"sh", "-c", "true"})
	require.NoError(t, d.store.UpsertSession(context.Background(), storage.Session{ID: "sess-1"}))

	handler := d.TunnelHandler(d.sessions, d.permissions)
	rec := &recordingReplier{}
	payload, _ := json.Marshal(tunnelRequest{Op: "request_input_lock", ClientID: "me"})
	handler(context.Background(), tunnel.Frame{RequestID: "r3", TargetSession: "sess-1", Kind: tunnel.FrameBegin, Payload: payload}, rec.reply)

	frames := rec.all()
	require.Len(t, frames, 1)
	var res tunnelResult
	require.NoError(t, json.Unmarshal(frames[0].Payload, &res))
	assert.True(t, res.OK)
	assert.True(t, res.Granted)
}
