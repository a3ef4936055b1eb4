// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session lifecycle state machine,
// input-lock arbitration, compaction, and rename/delete.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/storage"
)

// State is the session's externally-visible lifecycle state (spec §4.7).
type State string

const (
	StateNew    State = "new"
	StateActive State = "active"
	StateIdle   State = "idle"
	StateClosed State = "closed"
)

// ErrLockHeld is returned when acquisition is attempted and the current
// holder declines (or fails) to yield within the grace period.
var ErrLockHeld = errors.New("session: input lock held by another client")

// minEventsKept is the floor compaction never goes below (spec §4.7).
const minEventsKept = 10

// yieldGrace is how long a current lock-holder has to yield before the
// requester wins by timeout (spec §4.7).
const yieldGrace = 10 * time.Second

// idleLockTimeout auto-releases an input lock whose holder has gone quiet
// for this long while other clients wait (spec §4.7).
const idleLockTimeout = 5 * time.Minute

// YieldNotifier asks the current lock holder to give it up; the session
// manager doesn't know about client connections directly.
type YieldNotifier func(ctx context.Context, sessionID, currentHolder string)

// Manager is the session lifecycle manager, one instance shared by the
// whole daemon.
type Manager struct {
	store  *storage.Store
	mux    *multiplex.Multiplexer
	notify YieldNotifier

	mu          sync.Mutex
	lastActive  map[string]time.Time // clientID -> last activity, for idle auto-release
	waiters     map[string][]string  // sessionID -> queue of clientIDs waiting for the lock
	supervisors map[string]bool      // sessionID -> true while its supervisor reports Running
}

// New builds a Manager.
func New(store *storage.Store, mux *multiplex.Multiplexer, notify YieldNotifier) *Manager {
	return &Manager{
		store: store, mux: mux, notify: notify,
		lastActive:  make(map[string]time.Time),
		waiters:     make(map[string][]string),
		supervisors: make(map[string]bool),
	}
}

// SetSupervisorRunning records whether a session's child is currently
// running, the sole determinant of ACTIVE vs IDLE (spec §4.7).
func (m *Manager) SetSupervisorRunning(sessionID string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisors[sessionID] = running
}

// State computes the session's current lifecycle state.
func (m *Manager) State(ctx context.Context, sessionID string) (State, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		return "", err
	}
	if sess.Status == storage.StatusCompleted || sess.Status == storage.StatusError {
		return StateClosed, nil
	}

	m.mu.Lock()
	running := m.supervisors[sessionID]
	m.mu.Unlock()
	if running {
		return StateActive, nil
	}

	n, err := m.store.CountEvents(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return StateNew, nil
	}
	return StateIdle, nil
}

// AcquireInputLock attempts to grant clientID exclusive input rights for
// sessionID. If the lock is already held by someone else, the current
// holder is notified and has yieldGrace to yield before the lock transfers
// by timeout (spec §4.7). CAS against storage guarantees at most one
// holder regardless of how many callers race here.
func (m *Manager) AcquireInputLock(ctx context.Context, sessionID, clientID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.InputLockHolder == clientID {
		return nil
	}
	if sess.InputLockHolder == "" {
		if err := m.store.SetInputLock(ctx, sessionID, "", clientID); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return m.AcquireInputLock(ctx, sessionID, clientID) // someone else just grabbed it; retry the race once
			}
			return err
		}
		m.touch(clientID)
		return nil
	}

	prior := sess.InputLockHolder
	if m.notify != nil {
		m.notify(ctx, sessionID, prior)
	}

	deadline := time.Now().Add(yieldGrace)
	for time.Now().Before(deadline) {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.InputLockHolder != prior {
			if cur.InputLockHolder == "" {
				prior = "" // holder yielded: claim the now-free lock
			}
			break // holder changed (yielded, or someone else transferred) - fall through to steal attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := m.store.SetInputLock(ctx, sessionID, prior, clientID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrLockHeld
		}
		return err
	}
	m.touch(clientID)
	return nil
}

// ReleaseInputLock clears the lock iff clientID currently holds it, and
// wakes the next waiter if one is queued.
func (m *Manager) ReleaseInputLock(ctx context.Context, sessionID, clientID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.InputLockHolder != clientID {
		return nil
	}
	if err := m.store.SetInputLock(ctx, sessionID, clientID, ""); err != nil {
		return err
	}
	m.wakeNextWaiter(sessionID)
	return nil
}

// OnDetach is the multiplex.LockReleaseFunc hook: when a subscriber that
// held the input lock disconnects, clear it automatically.
func (m *Manager) OnDetach(ctx context.Context, sessionID string, subscriberID multiplex.SubscriberID) {
	if err := m.ReleaseInputLock(ctx, sessionID, string(subscriberID)); err != nil {
		logging.Warn().Str("session_id", sessionID).Err(err).Msg("session: release lock on detach failed")
	}
}

// Touch records client activity, used by the idle-auto-release sweep.
func (m *Manager) Touch(clientID string) { m.touch(clientID) }

func (m *Manager) touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActive[clientID] = time.Now()
}

func (m *Manager) wakeNextWaiter(sessionID string) {
	m.mu.Lock()
	q := m.waiters[sessionID]
	if len(q) == 0 {
		m.mu.Unlock()
		return
	}
	m.waiters[sessionID] = q[1:]
	m.mu.Unlock()
}

// RunIdleLockSweep periodically auto-releases input locks whose holder has
// been inactive for idleLockTimeout while the session has waiters, per
// spec §4.7.
func (m *Manager) RunIdleLockSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdleLocksOnce(ctx)
		}
	}
}

func (m *Manager) sweepIdleLocksOnce(ctx context.Context) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return
	}
	for _, sess := range sessions {
		if sess.InputLockHolder == "" {
			continue
		}
		m.mu.Lock()
		last, ok := m.lastActive[sess.InputLockHolder]
		waiting := len(m.waiters[sess.ID]) > 0
		m.mu.Unlock()
		if ok && waiting && time.Since(last) > idleLockTimeout {
			_ = m.ReleaseInputLock(ctx, sess.ID, sess.InputLockHolder)
		}
	}
}

// Compact deletes the oldest half of a session's events (minimum 10 kept),
// bumps the compaction generation, and notifies the multiplexer so
// under-floor subscribers re-snapshot (spec §4.7).
func (m *Manager) Compact(ctx context.Context, sessionID string) error {
	total, err := m.store.CountEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	if total <= minEventsKept {
		return nil // nothing to compact
	}
	keep := total / 2
	if keep < minEventsKept {
		keep = minEventsKept
	}
	upTo, err := m.store.LastSequence(ctx, sessionID)
	if err != nil {
		return err
	}
	boundary := upTo - keep
	if boundary <= 0 {
		return nil
	}

	if _, err := m.store.DeleteEventsUpTo(ctx, sessionID, boundary); err != nil {
		return err
	}
	if _, err := m.store.IncrementCompactionGen(ctx, sessionID); err != nil {
		return err
	}
	m.mux.NotifyCompaction(sessionID, boundary)
	return nil
}

// Rename updates a session's model/workdir metadata. Standard operation
// per spec §4.7.
func (m *Manager) Rename(ctx context.Context, sessionID, model, workDir string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if model != "" {
		sess.Model = model
	}
	if workDir != "" {
		sess.WorkDir = workDir
	}
	return m.store.UpsertSession(ctx, sess)
}

// Delete removes a session and everything that cascades from it (events,
// pending permissions, grants) per spec §4.7.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.lastActive, sessionID)
	delete(m.waiters, sessionID)
	delete(m.supervisors, sessionID)
	m.mu.Unlock()
	return m.store.DeleteSession(ctx, sessionID)
}

// SnapshotSessionInfo is a multiplex.SnapshotFunc: the fresh SessionInfo
// payload delivered to a subscriber attaching before the compaction
// boundary (spec §4.5).
func (m *Manager) SnapshotSessionInfo(ctx context.Context, sessionID string) (json.RawMessage, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: snapshot: %w", err)
	}
	return json.Marshal(struct {
		SessionID         string  `json:"session_id"`
		Model             string  `json:"model"`
		WorkDir           string  `json:"cwd"`
		Status            string  `json:"status"`
		TotalInputTokens  int64   `json:"total_input_tokens"`
		TotalOutputTokens int64   `json:"total_output_tokens"`
		TotalCostUSD      float64 `json:"total_cost_usd"`
	}{sess.ID, sess.Model, sess.WorkDir, string(sess.Status), sess.TotalInputTokens, sess.TotalOutputTokens, sess.TotalCostUSD})
}
