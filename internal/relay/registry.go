// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the optional router a remote client talks to
// when it cannot reach a daemon directly. It holds one live tunnel per
// connected daemon, forwards frames in both directions, and buffers
// messages for daemons that are temporarily offline.
package relay

import (
	"sync"

	"github.com/sakost/betcode/internal/tunnel"
)

// Sender is the narrow slice of *tunnel server-side connection* the
// registry needs: something it can hand a Frame to.
type Sender interface {
	Send(tunnel.Frame) error
}

// Registry tracks which daemon_id is reachable over which live tunnel
// connection. A daemon with no entry is offline; callers fall back to the
// buffer.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

// NewRegistry builds an empty daemon registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Sender)}
}

// Register associates daemonID with its live tunnel connection, replacing
// any prior one (a daemon reconnecting from a new process supersedes its
// old, presumably dead, connection).
func (r *Registry) Register(daemonID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[daemonID] = s
}

// Unregister drops daemonID's entry if it still points at s, so a stale
// goroutine finishing after a reconnect can't clobber the new connection.
func (r *Registry) Unregister(daemonID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[daemonID]; ok && cur == s {
		delete(r.conns, daemonID)
	}
}

// Lookup returns the live connection for daemonID, if any.
func (r *Registry) Lookup(daemonID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[daemonID]
	return s, ok
}
