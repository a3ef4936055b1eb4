// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package ipc

import (
	"fmt"
	"net"

	"github.com/tailscale/go-winio"
)

// pipePath maps the daemon's socket path to a Windows named pipe path; the
// given path is ignored entirely and the pipe is always named after
// SocketName, since named pipes live in their own namespace, not the
// filesystem.
func pipePath(path string) string {
	return `\\.\pipe\` + SocketName
}

// Listen opens the daemon's local control endpoint as a named pipe,
// restricted to the owning user via an explicit security descriptor so
// other local accounts can't observe or drive permission approvals.
func Listen(path string) (net.Listener, error) {
	ln, err := winio.ListenPipe(pipePath(path), &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on named pipe: %w", err)
	}
	return ln, nil
}

// Dial connects to a running daemon's local named pipe.
func Dial(path string) (net.Conn, error) {
	return winio.DialPipe(pipePath(path), nil)
}
