// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/storage"
)

// DefaultQueueCapacity is the bounded FIFO size per subscriber (spec §4.5).
const DefaultQueueCapacity = 1024

// SnapshotFunc builds a fresh KindSessionInfo payload for a session, used
// when a subscriber's requested cursor precedes the last compaction.
type SnapshotFunc func(ctx context.Context, sessionID string) (json.RawMessage, error)

// LockReleaseFunc is invoked on subscriber detach if it held the session's
// input lock, so the session manager can clear the lock and wake the
// next waiter.
type LockReleaseFunc func(ctx context.Context, sessionID string, subscriberID SubscriberID)

// subscriber is one attached client's per-session delivery state.
type subscriber struct {
	id      SubscriberID
	queue   chan Event
	lagging bool
	holdsLock bool
}

// Multiplexer fans out session event streams to subscribers, replaying
// from storage on attach and never blocking the publisher on a slow
// subscriber (spec §4.5).
type Multiplexer struct {
	store    *storage.Store
	snapshot SnapshotFunc
	onDetachLockHeld LockReleaseFunc

	mu                sync.Mutex
	subscribers       map[string]map[SubscriberID]*subscriber // sessionID -> subscriberID -> sub
	compactionBoundary map[string]int64
	queueCapacity     int
}

// New creates a Multiplexer. snapshot and onDetachLockHeld may be nil in
// tests that don't exercise compaction replay or input-lock handoff.
func New(store *storage.Store, snapshot SnapshotFunc, onDetachLockHeld LockReleaseFunc) *Multiplexer {
	return &Multiplexer{
		store:              store,
		snapshot:           snapshot,
		onDetachLockHeld:   onDetachLockHeld,
		subscribers:        make(map[string]map[SubscriberID]*subscriber),
		compactionBoundary: make(map[string]int64),
		queueCapacity:      DefaultQueueCapacity,
	}
}

// NotifyCompaction records that events up to and including upTo have been
// deleted from storage for sessionID, per the session manager's
// compaction operation. A
// subscriber that later attaches with a cursor before this boundary gets a
// fresh snapshot instead of a replay gap; subscribers already attached are
// not notified.
func (m *Multiplexer) NotifyCompaction(sessionID string, upTo int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.compactionBoundary[sessionID]; !ok || upTo > cur {
		m.compactionBoundary[sessionID] = upTo
	}
}

// Attach registers a new subscriber for sessionID, delivers the replay of
// events fromSequence+1..current (or a fresh snapshot if fromSequence
// precedes the compaction boundary), and returns the live delivery queue.
func (m *Multiplexer) Attach(ctx context.Context, sessionID string, id SubscriberID, fromSequence int64) (<-chan Event, error) {
	sub := &subscriber{id: id, queue: make(chan Event, m.queueCapacity)}

	m.mu.Lock()
	boundary := m.compactionBoundary[sessionID]
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[SubscriberID]*subscriber)
	}
	m.subscribers[sessionID][id] = sub
	m.mu.Unlock()

	if fromSequence < boundary && m.snapshot != nil {
		payload, err := m.snapshot(ctx, sessionID)
		if err == nil {
			sub.queue <- Event{SessionID: sessionID, Sequence: boundary, Kind: KindSessionInfo, Payload: payload}
		}
		fromSequence = boundary
	}

	records, err := m.store.LoadEvents(ctx, sessionID, fromSequence, 0)
	if err != nil {
		m.Detach(ctx, sessionID, id)
		return nil, err
	}
	for _, rec := range records {
		sub.queue <- Event{
			SessionID: rec.SessionID,
			Sequence:  rec.Sequence,
			Kind:      eventKindFromStorage(rec.Kind),
			Payload:   json.RawMessage(rec.Payload),
			CreatedAt: rec.CreatedAt,
		}
	}

	return sub.queue, nil
}

// Detach removes a subscriber and, if it held the session's input lock,
// invokes onDetachLockHeld so the caller can hand the lock off.
func (m *Multiplexer) Detach(ctx context.Context, sessionID string, id SubscriberID) {
	m.mu.Lock()
	subs := m.subscribers[sessionID]
	var sub *subscriber
	if subs != nil {
		sub = subs[id]
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
	m.mu.Unlock()

	if sub != nil {
		close(sub.queue)
		if sub.holdsLock && m.onDetachLockHeld != nil {
			m.onDetachLockHeld(ctx, sessionID, id)
		}
	}
}

// MarkHoldsLock records whether subscriber id currently holds the
// session's input lock, consulted by Detach.
func (m *Multiplexer) MarkHoldsLock(sessionID string, id SubscriberID, holds bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if sub, ok := subs[id]; ok {
			sub.holdsLock = holds
		}
	}
}

// Publish delivers event to every subscriber of its session. A subscriber
// whose queue is full is marked lagging and drained; the child process is
// never blocked (spec §4.5).
func (m *Multiplexer) Publish(event Event) {
	m.mu.Lock()
	subs := m.subscribers[event.SessionID]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.queue <- event:
		default:
			m.drain(sub)
			sub.lagging = true
			logging.Warn().Str("session_id", event.SessionID).Str("subscriber_id", string(sub.id)).
				Msg("subscriber queue full, marked lagging and drained")
		}
	}
}

func (m *Multiplexer) drain(sub *subscriber) {
	for {
		select {
		case <-sub.queue:
		default:
			return
		}
	}
}

// IsLagging reports whether a subscriber is currently in the lagging
// state, i.e. it must re-synchronize by re-reading storage.
func (m *Multiplexer) IsLagging(sessionID string, id SubscriberID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if sub, ok := subs[id]; ok {
			return sub.lagging
		}
	}
	return false
}

// SubscriberCount returns the number of attached subscribers for a session.
func (m *Multiplexer) SubscriberCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[sessionID])
}

func eventKindFromStorage(k storage.EventKind) Kind {
	switch k {
	case storage.EventSystemInit:
		return KindSessionInfo
	case storage.EventResult:
		return KindUsageReport
	case storage.EventStreamDelta:
		return KindTextDelta
	default:
		return Kind(k)
	}
}
