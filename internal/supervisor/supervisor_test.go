// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, s.Status().State)
}

func TestSupervisorCleanExit(t *testing.T) {
	s := New("sess-1", Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Spawn(ctx, SpawnConfig{Command: []string{"sh", "-c", "echo hi; exit 0"}}))

	waitForState(t, s, StateExitedOK, 2*time.Second)
	assert.Equal(t, 0, s.Status().ExitCode)
}

func TestSupervisorStdoutLinesDelivered(t *testing.T) {
	s := New("sess-1", Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Spawn(ctx, SpawnConfig{Command: []string{"sh", "-c", "echo one; echo two"}}))

	var got []string
	for line := range s.Lines() {
		got = append(got, string(line))
	}
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "one")
	assert.Contains(t, got[1], "two")
}

func TestSupervisorCrashTriggersRespawn(t *testing.T) {
	s := New("sess-1", Policy{
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		MaxRestarts:    5,
		CrashWindow:    time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Spawn(ctx, SpawnConfig{Command: []string{"sh", "-c", "exit 1"}}))

	waitForState(t, s, StateCrashed, 2*time.Second)
	// a respawn attempt should follow after the backoff delay
	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, s.Status().RestartCount, 1)

	s.Stop(context.Background())
}

func TestSupervisorCrashLoopTransitionsToFailed(t *testing.T) {
	s := New("sess-1", Policy{
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		MaxRestarts:    2,
		CrashWindow:    time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Spawn(ctx, SpawnConfig{Command: []string{"sh", "-c", "exit 1"}}))

	waitForState(t, s, StateFailed, 2*time.Second)
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestSupervisorStopSuppressesCrashRespawn(t *testing.T) {
	s := New("sess-1", Policy{StopTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Spawn(ctx, SpawnConfig{Command: []string{"sh", "-c", "sleep 30"}}))
	waitForState(t, s, StateRunning, time.Second)

	s.Stop(context.Background())
	waitForState(t, s, StateIdle, 2*time.Second)
}

func TestBuildEnvAllowlist(t *testing.T) {
	env := buildEnv([]string{"PATH"}, SpawnConfig{Model: "claude-3", ResumeToken: "tok-1"})
	var hasModel, hasResume bool
	for _, kv := range env {
		if kv == "CLAUDE_MODEL=claude-3" {
			hasModel = true
		}
		if kv == "CLAUDE_RESUME_TOKEN=tok-1" {
			hasResume = true
		}
	}
	assert.True(t, hasModel)
	assert.True(t, hasResume)
}
