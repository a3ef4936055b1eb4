// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the subprocess supervisor, stdout/stdin bridge,
// permission approval flow, and session registry into the per-session
// runtimes that cmd/betcoded serves over its RPC API. It owns the one piece
// none of those packages can own themselves: deciding when a session's
// child needs to be spawned, resumed, or left alone.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakost/betcode/internal/bridge"
	"github.com/sakost/betcode/internal/config"
	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/ndjson"
	"github.com/sakost/betcode/internal/permission"
	"github.com/sakost/betcode/internal/rpc"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/storage"
	"github.com/sakost/betcode/internal/supervisor"
)

// runtime is the live state of one session's child process, kept only
// for as long as the child is spawned; a crashed or cleanly-idle session
// simply has no runtime entry.
type runtime struct {
	sup    *supervisor.Supervisor
	bridge *bridge.Bridge
	writer *ndjson.Writer
	cancel context.CancelFunc
}

// Daemon is the per-process orchestrator: one instance serves every
// session a betcoded process knows about.
type Daemon struct {
	store    *storage.Store
	mux      *multiplex.Multiplexer
	sessions *session.Manager
	agentCfg config.AgentConfig
	policy   supervisor.Policy

	mu          sync.Mutex
	runtimes    map[string]*runtime
	permissions *permission.Bridge
}

// New builds a Daemon. SetPermissions must be called once before the first
// EnsureSession call, since the permission bridge needs the same writerOf
// closure the supervisor's bridge is wired to: both share one stdin sink.
func New(store *storage.Store, mux *multiplex.Multiplexer, sessions *session.Manager, agentCfg config.AgentConfig) *Daemon {
	return &Daemon{
		store:    store,
		mux:      mux,
		sessions: sessions,
		agentCfg: agentCfg,
		policy:   policyFromConfig(agentCfg),
		runtimes: make(map[string]*runtime),
	}
}

// SetPermissions wires the permission bridge in after construction,
// breaking the cycle between permission.New (which needs a writerOf
// closure) and the Daemon (which needs the resulting Bridge to hand to
// each bridge.New).
func (d *Daemon) SetPermissions(p *permission.Bridge) {
	d.mu.Lock()
	d.permissions = p
	d.mu.Unlock()
}

func policyFromConfig(a config.AgentConfig) supervisor.Policy {
	return supervisor.Policy{
		BackoffInitial: parseDur(a.BackoffInitial),
		BackoffMax:     parseDur(a.BackoffMax),
		MaxRestarts:    a.MaxRestarts,
		CrashWindow:    parseDur(a.CrashWindow),
		HangTimeout:    parseDur(a.HangTimeout),
		StopSignal:     a.StopSignal,
		StopTimeout:    parseDur(a.StopTimeout),
	}
}

func parseDur(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// EnsureSession resolves sessionID to a running session, spawning a fresh
// child for a new session (sessionID == "") or a crashed/idle one, and
// leaving an already-running child untouched (spec's control-flow summary:
// "the supervisor spawns (or resumes) the agent subprocess if not
// running"). initialPrompt, if non-empty, is written once the child's
// stdin is attached.
func (d *Daemon) EnsureSession(ctx context.Context, sessionID, initialPrompt string) (string, error) {
	d.mu.Lock()
	if d.permissions == nil {
		d.mu.Unlock()
		return "", fmt.Errorf("daemon: permissions bridge not wired")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if rt, ok := d.runtimes[sessionID]; ok {
		d.mu.Unlock()
		if initialPrompt != "" && rt.writer != nil {
			if err := rt.writer.WriteUserPrompt(ndjson.UserPrompt{SessionID: sessionID, Content: initialPrompt}); err != nil {
				return sessionID, fmt.Errorf("daemon: write initial prompt: %w", err)
			}
		}
		return sessionID, nil
	}
	d.mu.Unlock()

	if err := d.store.UpsertSession(ctx, storage.Session{ID: sessionID, Status: storage.StatusIdle}); err != nil {
		return "", fmt.Errorf("daemon: create session row: %w", err)
	}

	if err := d.spawn(sessionID, initialPrompt); err != nil {
		return "", err
	}
	return sessionID, nil
}

// spawn starts the child for sessionID and its supporting bridge goroutine.
// Respawns after a crash reuse the same Supervisor instance (it owns its
// own internal backoff/respawn loop); spawn runs again for a session only
// after its runtime has been retired (the child failed or exited cleanly).
func (d *Daemon) spawn(sessionID, initialPrompt string) error {
	runCtx, cancel := context.WithCancel(context.Background())

	sup := supervisor.New(sessionID, d.policy)
	br := bridge.New(sessionID, d.store, d.mux, d.permissions.HandleControlRequest)

	sup.OnStateChange(func(st supervisor.State) {
		d.onStateChange(sessionID, st)
	})

	rt := &runtime{sup: sup, bridge: br, cancel: cancel}
	d.mu.Lock()
	d.runtimes[sessionID] = rt
	d.mu.Unlock()

	cfg := supervisor.SpawnConfig{
		Command:      d.agentCfg.GetCommand(),
		WorkDir:      d.agentCfg.WorkDir,
		EnvAllowlist: d.agentCfg.EnvAllowlist,
	}
	if err := sup.Spawn(runCtx, cfg); err != nil {
		cancel()
		d.mu.Lock()
		delete(d.runtimes, sessionID)
		d.mu.Unlock()
		return fmt.Errorf("daemon: spawn session %s: %w", sessionID, err)
	}

	writer := ndjson.NewWriter(sup.Stdin())
	d.mu.Lock()
	rt.writer = writer
	d.mu.Unlock()

	go func() {
		if err := br.Run(runCtx, sup.Lines()); err != nil && runCtx.Err() == nil {
			logging.Warn().Str("session_id", sessionID).Err(err).Msg("daemon: bridge run exited")
		}
	}()

	if initialPrompt != "" {
		if err := writer.WriteUserPrompt(ndjson.UserPrompt{SessionID: sessionID, Content: initialPrompt}); err != nil {
			return fmt.Errorf("daemon: write initial prompt: %w", err)
		}
	}
	return nil
}

// onStateChange mirrors a supervisor's lifecycle into the session status
// column and the session registry's running flag, and retires the runtime
// entry once the child is permanently done.
func (d *Daemon) onStateChange(sessionID string, st supervisor.State) {
	running := st == supervisor.StateRunning
	d.sessions.SetSupervisorRunning(sessionID, running)

	ctx := context.Background()
	switch st {
	case supervisor.StateFailed:
		_ = d.store.SetStatus(ctx, sessionID, storage.StatusError)
		d.retire(sessionID)
	case supervisor.StateExitedOK:
		_ = d.store.SetStatus(ctx, sessionID, storage.StatusCompleted)
		d.retire(sessionID)
	case supervisor.StateRunning:
		_ = d.store.SetStatus(ctx, sessionID, storage.StatusActive)
	}
}

func (d *Daemon) retire(sessionID string) {
	d.mu.Lock()
	rt, ok := d.runtimes[sessionID]
	if ok {
		delete(d.runtimes, sessionID)
	}
	d.mu.Unlock()
	if ok {
		rt.cancel()
	}
}

// StopSession tears down a session's runtime (if any) as part of explicit
// deletion; it does not touch the storage row, which the caller deletes
// separately.
func (d *Daemon) StopSession(sessionID string) {
	d.mu.Lock()
	rt, ok := d.runtimes[sessionID]
	if ok {
		delete(d.runtimes, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	rt.sup.Stop(context.Background())
	rt.cancel()
}

// Interrupt implements rpc.Dependencies.Interrupt: CancelTurn signals the
// child without terminating it.
func (d *Daemon) Interrupt(sessionID string) error {
	d.mu.Lock()
	rt, ok := d.runtimes[sessionID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: no running child for session %s", sessionID)
	}
	return rt.sup.Interrupt()
}

func (d *Daemon) writerOf(sessionID string) *ndjson.Writer {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.runtimes[sessionID]
	if !ok {
		return nil
	}
	return rt.writer
}

// UserPromptWriterFor implements rpc.Dependencies.UserPromptWriter.
func (d *Daemon) UserPromptWriterFor(sessionID string) rpc.UserPromptSink {
	w := d.writerOf(sessionID)
	if w == nil {
		return nil
	}
	return w
}

// ResponseWriterFor implements the writerOf closure permission.New expects.
func (d *Daemon) ResponseWriterFor(sessionID string) permission.ResponseWriter {
	w := d.writerOf(sessionID)
	if w == nil {
		return nil
	}
	return w
}
