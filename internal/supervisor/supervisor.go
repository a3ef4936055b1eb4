// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"context"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/go-ps"

	"github.com/sakost/betcode/internal/crash"
	"github.com/sakost/betcode/internal/logging"
)

// ExitInfo describes a child exit, clean or not. No code path in this
// package currently produces one.
type ExitInfo struct {
	ExitCode int
	Clean    bool // subtype=success, or a requested stop
	Crash    *crash.Result
}

// Supervisor owns one session's child process across its whole lifetime,
// including every crash-triggered respawn. One Supervisor per active
// session; the session manager creates it lazily on IDLE->SPAWNING
// transition.
type Supervisor struct {
	sessionID string
	policy    Policy
	analyzer  *crash.Analyzer

	mu          sync.Mutex
	state       State
	sp          *subprocess
	startedAt   time.Time
	stoppedAt   time.Time
	restarts    int
	crashTimes  []time.Time
	lastErr     string
	stopping    bool
	lastLineAt  time.Time

	lines  chan []byte
	stderr []string

	onStateChange func(State)
	hangCancel    context.CancelFunc
	backoffState  *backoff.ExponentialBackOff
}

// New creates a Supervisor for sessionID, bound to policy.
func New(sessionID string, policy Policy) *Supervisor {
	if policy.BackoffInitial <= 0 {
		policy.BackoffInitial = 500 * time.Millisecond
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = 30 * time.Second
	}
	if policy.MaxRestarts <= 0 {
		policy.MaxRestarts = 5
	}
	if policy.CrashWindow <= 0 {
		policy.CrashWindow = 60 * time.Second
	}
	if policy.HangTimeout <= 0 {
		policy.HangTimeout = 5 * time.Minute
	}
	if policy.StopTimeout <= 0 {
		policy.StopTimeout = 5 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BackoffInitial
	bo.MaxInterval = policy.BackoffMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Supervisor{
		sessionID:    sessionID,
		policy:       policy,
		analyzer:     crash.NewAnalyzer(),
		state:        StateIdle,
		lines:        make(chan []byte, 256),
		backoffState: bo,
	}
}

// OnStateChange registers a callback invoked (outside the internal lock)
// whenever the supervisor transitions state. Used by the session manager
// to mirror the session's status column and by the bridge to emit
// internal events.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

// Lines returns the channel of raw stdout lines for the bridge to parse
// into NDJSON frames.
// Closed when the supervisor is permanently done (FAILED or explicit Stop).
func (s *Supervisor) Lines() <-chan []byte { return s.lines }

// Status returns a snapshot of the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		StartedAt:    s.startedAt,
		StoppedAt:    s.stoppedAt,
		RestartCount: s.restarts,
		CrashReason:  s.lastErr,
	}
	if s.sp != nil {
		st.PID = s.sp.pid
		st.ExitCode = s.sp.exitCode
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Spawn starts (or respawns, if cfg.ResumeToken is set) the child. It
// blocks only long enough to fork/exec; stdout consumption and the
// exit/crash/respawn loop run in background goroutines bound to ctx.
func (s *Supervisor) Spawn(ctx context.Context, cfg SpawnConfig) error {
	s.setState(StateSpawning)

	sp, err := startSubprocess(ctx, cfg)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	s.sp = sp
	s.startedAt = time.Now()
	s.lastLineAt = time.Now()
	s.stderr = nil
	s.mu.Unlock()

	s.setState(StateRunning)

	go s.pumpStdout(sp)
	hangCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.hangCancel = cancel
	s.mu.Unlock()
	go s.watchHang(hangCtx, sp)
	go s.awaitExit(ctx, cfg, sp)

	return nil
}

func (s *Supervisor) pumpStdout(sp *subprocess) {
	br := bufio.NewReaderSize(sp.stdout, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.mu.Lock()
			s.lastLineAt = time.Now()
			s.mu.Unlock()
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case s.lines <- cp:
			default:
				logging.Warn().Str("session_id", s.sessionID).Msg("supervisor stdout channel full, dropping line")
			}
		}
		if err != nil {
			if err != io.EOF {
				s.mu.Lock()
				s.stderr = append(s.stderr, "stdout read error: "+err.Error())
				s.mu.Unlock()
			}
			return
		}
	}
}

// watchHang declares the child wedged if HangTimeout elapses with no
// stdout frame, then performs the graceful-then-force terminate sequence.
func (s *Supervisor) watchHang(ctx context.Context, sp *subprocess) {
	ticker := time.NewTicker(s.policy.HangTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sp.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastLineAt)
			s.mu.Unlock()
			if silent >= s.policy.HangTimeout {
				if !s.IsWedged(sp.pid) {
					// process table disagrees with our silence reading (already
					// gone); let awaitExit's normal exit path handle it.
					return
				}
				logging.Warn().Str("session_id", s.sessionID).Dur("silent_for", silent).Msg("child hang detected, terminating")
				sp.stop(ctx, stopSignalFor(s.policy.StopSignal), s.policy.StopTimeout)
				return
			}
		}
	}
}

func stopSignalFor(name string) syscall.Signal {
	switch name {
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGINT":
		return syscall.SIGINT
	default:
		return syscall.SIGTERM
	}
}

// awaitExit blocks until the child exits, classifies the exit, and either
// respawns (with backoff) or transitions to a terminal state.
func (s *Supervisor) awaitExit(ctx context.Context, cfg SpawnConfig, sp *subprocess) {
	<-sp.done
	if s.hangCancel != nil {
		s.hangCancel()
	}

	s.mu.Lock()
	s.stoppedAt = time.Now()
	stopping := s.stopping
	exitCode := sp.exitCode
	stderrTail := append([]string(nil), s.stderr...)
	s.mu.Unlock()

	if stopping {
		s.setState(StateIdle)
		close(s.lines)
		return
	}

	result := s.analyzer.Analyze(stderrTail, exitCode)

	if exitCode == 0 {
		s.setState(StateExitedOK)
		close(s.lines)
		return
	}

	s.mu.Lock()
	s.lastErr = result.Summary()
	s.crashTimes = append(s.crashTimes, time.Now())
	cutoff := time.Now().Add(-s.policy.CrashWindow)
	var recent []time.Time
	for _, t := range s.crashTimes {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.crashTimes = recent
	crashesInWindow := len(recent)
	if crashesInWindow == 1 {
		// first crash after a clean run (or fresh start): restart the
		// backoff doubling sequence from InitialInterval.
		s.backoffState.Reset()
	}
	s.mu.Unlock()

	s.setState(StateCrashed)

	if crashesInWindow >= s.policy.MaxRestarts {
		logging.Error().Str("session_id", s.sessionID).Int("crashes", crashesInWindow).Msg("crash loop detected, giving up")
		s.setState(StateFailed)
		close(s.lines)
		return
	}

	s.setState(StateRestarting)
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()

	s.mu.Lock()
	delay := s.backoffState.NextBackOff()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.setState(StateIdle)
		close(s.lines)
		return
	case <-time.After(delay):
	}

	resumeCfg := cfg
	resumeCfg.ResumeToken = s.sessionID
	if err := s.Spawn(ctx, resumeCfg); err != nil {
		s.setState(StateFailed)
		close(s.lines)
	}
}

// Stdin returns the writer for forwarding client input to the child.
func (s *Supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sp == nil {
		return io.Discard
	}
	return s.sp.stdin
}

// Stop performs the graceful-then-force shutdown described in spec §4.3's
// shutdown procedure. Marking stopping first suppresses the crash-respawn
// path in awaitExit.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	sp := s.sp
	s.mu.Unlock()

	if sp == nil {
		return
	}
	sp.stop(ctx, stopSignalFor(s.policy.StopSignal), s.policy.StopTimeout)
}

// Interrupt sends SIGINT to the child's process group without terminating
// it, used by CancelTurn (spec §5: "sends an interrupt signal to the child
// but does not terminate it; the child is expected to close the turn
// gracefully").
func (s *Supervisor) Interrupt() error {
	s.mu.Lock()
	sp := s.sp
	s.mu.Unlock()
	if sp == nil {
		return nil
	}
	return sp.signal(syscall.SIGINT)
}

// IsWedged cross-checks PID liveness against the OS process table, used
// before declaring a hang when stdout silence alone is ambiguous (e.g. the
// child is CPU-bound on a huge file read and simply hasn't flushed yet).
func (s *Supervisor) IsWedged(pid int) bool {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc != nil
}
