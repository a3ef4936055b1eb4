// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listen opens the daemon's local control socket at path, a Unix domain
// socket restricted to the owning user (mode 0700 on its parent directory,
// 0600 on the socket file itself — no group/world access to a channel that
// can approve tool permissions).
func Listen(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ipc: create socket directory: %w", err)
	}
	_ = os.Remove(path) // clear a stale socket from an unclean shutdown

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: restrict socket permissions: %w", err)
	}
	return ln, nil
}

// Dial connects to a running daemon's local control socket.
func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
