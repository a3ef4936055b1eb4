// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ipc resolves and listens on the daemon's local control-plane
// endpoint: a Unix domain socket on POSIX systems, a named pipe on Windows
// (spec §6's "local client IPC"). A client on the same machine always
// prefers this path over the remote tunnel.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketName is the fixed filename used under the per-user runtime
// directory, so a client with no prior configuration can still find the
// daemon.
const SocketName = "betcoded.sock"

// ResolvePath returns the daemon's local IPC endpoint path for the current
// user: $XDG_RUNTIME_DIR/betcode/betcoded.sock when set, otherwise
// ~/.betcode/run/betcoded.sock.
func ResolvePath() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "betcode", SocketName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ipc: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".betcode", "run", SocketName), nil
}
