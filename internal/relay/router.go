// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/storage"
	"github.com/sakost/betcode/internal/tunnel"
)

// DefaultBufferTTL is how long an offline daemon's buffered messages are
// kept before the purge sweep reaps them (spec §4.10).
const DefaultBufferTTL = 7 * 24 * time.Hour

// DefaultMaxBufferedBytes caps how much a single offline daemon can
// accumulate before the router starts evicting its own lowest-priority,
// oldest entries to make room (spec §4.10).
const DefaultMaxBufferedBytes = 64 * 1024 * 1024

// classify maps a frame's payload message_type to one of the three
// storage-level buffer priorities. Permission responses must survive a
// daemon bounce ahead of anything else; control responses and turn
// cancellations take the middle tier, and routine transcript traffic the
// lowest.
func classify(messageType string) int {
	switch messageType {
	case "permission_response":
		return storage.PriorityPermissionRequest
	case "cancel_turn", "control_response":
		return storage.PriorityControlResponse
	default:
		return storage.PriorityTranscript
	}
}

// Router forwards frames between connected daemons and whichever relay
// client is acting as their remote peer, buffering for daemons that are
// currently offline.
type Router struct {
	store    *storage.Store
	registry *Registry
	bufferTTL time.Duration
	maxBytes  int64
}

// NewRouter builds a relay router backed by store for offline buffering.
func NewRouter(store *storage.Store, registry *Registry) *Router {
	return &Router{store: store, registry: registry, bufferTTL: DefaultBufferTTL, maxBytes: DefaultMaxBufferedBytes}
}

// Deliver routes a frame to targetDaemon: straight through if it has a
// live tunnel, otherwise queued in the offline buffer for delivery on its
// next reconnect (spec §4.10).
func (r *Router) Deliver(ctx context.Context, targetDaemon, messageType string, f tunnel.Frame) error {
	if sender, ok := r.registry.Lookup(targetDaemon); ok {
		if err := sender.Send(f); err == nil {
			return nil
		}
		logging.Warn().Str("daemon_id", targetDaemon).Msg("relay: live send failed, falling back to offline buffer")
	}
	return r.buffer(ctx, targetDaemon, messageType, f)
}

func (r *Router) buffer(ctx context.Context, targetDaemon, messageType string, f tunnel.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: marshal frame for buffering: %w", err)
	}

	priority := classify(messageType)
	now := time.Now()
	entry := storage.OfflineBufferEntry{
		TargetDaemon: targetDaemon,
		RequestID:    f.RequestID,
		Payload:      payload,
		MessageType:  messageType,
		Priority:     priority,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.bufferTTL),
	}

	_, bufferedBytes, err := r.store.CountBuffered(ctx, targetDaemon)
	if err != nil {
		return fmt.Errorf("relay: count buffered: %w", err)
	}
	for bufferedBytes+int64(len(payload)) > r.maxBytes {
		_, evicted, err := r.store.EvictLowestPriorityOldest(ctx, targetDaemon)
		if err != nil {
			return fmt.Errorf("relay: evict over-cap buffer entry: %w", err)
		}
		if !evicted {
			break
		}
		_, bufferedBytes, err = r.store.CountBuffered(ctx, targetDaemon)
		if err != nil {
			return fmt.Errorf("relay: count buffered after eviction: %w", err)
		}
	}

	if _, err := r.store.EnqueueOffline(ctx, entry); err != nil {
		return fmt.Errorf("relay: enqueue offline: %w", err)
	}
	return nil
}

// Flush drains and delivers every buffered entry for a daemon that just
// reconnected, in priority-then-FIFO order (spec §4.10).
func (r *Router) Flush(ctx context.Context, daemonID string) error {
	sender, ok := r.registry.Lookup(daemonID)
	if !ok {
		return fmt.Errorf("relay: flush requested but %s has no live tunnel", daemonID)
	}

	entries, err := r.store.DrainOffline(ctx, daemonID)
	if err != nil {
		return fmt.Errorf("relay: drain offline buffer: %w", err)
	}

	var delivered []int64
	for _, e := range entries {
		var f tunnel.Frame
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			logging.Warn().Int64("entry_id", e.ID).Err(err).Msg("relay: dropping unparseable buffered frame")
			delivered = append(delivered, e.ID)
			continue
		}
		if err := sender.Send(f); err != nil {
			logging.Warn().Str("daemon_id", daemonID).Err(err).Msg("relay: flush aborted, tunnel dropped mid-drain")
			break
		}
		delivered = append(delivered, e.ID)
	}

	if len(delivered) == 0 {
		return nil
	}
	return r.store.MarkDelivered(ctx, delivered)
}
