// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// subprocess wraps one exec.Cmd invocation of the agent command. It is not
// reused across respawns — a fresh subprocess is built each time the
// supervisor spawns.
type subprocess struct {
	cmd      *exec.Cmd
	ptmx     *os.File // set only when AttachPTY is true
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	pid      int
	done     chan struct{}
	waitErr  error
	exitCode int
}

// buildEnv filters the parent process environment down to the configured
// allowlist, plus CLAUDE_RESUME_TOKEN/CLAUDE_MODEL when set, per spec §4.3's
// "fixed environment allowlist" spawn input.
func buildEnv(allowlist []string, cfg SpawnConfig) []string {
	allowed := make(map[string]bool, len(allowlist))
	for _, k := range allowlist {
		allowed[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		for k := range allowed {
			if len(kv) > len(k) && kv[:len(k)+1] == k+"=" {
				env = append(env, kv)
				break
			}
		}
	}
	if cfg.Model != "" {
		env = append(env, "CLAUDE_MODEL="+cfg.Model)
	}
	if cfg.ResumeToken != "" {
		env = append(env, "CLAUDE_RESUME_TOKEN="+cfg.ResumeToken)
	}
	return env
}

// startSubprocess launches the agent command with the given spawn config.
// On non-Windows, the child runs in its own process group so Stop can
// signal the whole tree at once.
func startSubprocess(ctx context.Context, cfg SpawnConfig) (*subprocess, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("supervisor: empty agent command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cfg.EnvAllowlist, cfg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sp := &subprocess{cmd: cmd, done: make(chan struct{})}

	if cfg.AttachPTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("supervisor: pty start: %w", err)
		}
		sp.ptmx = ptmx
		sp.stdin = ptmx
		sp.stdout = ptmx
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
		}
		sp.stdin = stdin
		sp.stdout = stdout

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("supervisor: start: %w", err)
		}
	}

	sp.pid = cmd.Process.Pid

	go func() {
		sp.waitErr = cmd.Wait()
		if sp.ptmx != nil {
			_ = sp.ptmx.Close()
		}
		if exitErr, ok := sp.waitErr.(*exec.ExitError); ok {
			sp.exitCode = exitErr.ExitCode()
		} else if sp.waitErr == nil {
			sp.exitCode = 0
		} else {
			sp.exitCode = -1
		}
		close(sp.done)
	}()

	return sp, nil
}

// signal sends sig to the whole process group.
func (sp *subprocess) signal(sig syscall.Signal) error {
	if sp.cmd == nil || sp.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-sp.pid, sig)
}

// stop performs the graceful-then-force shutdown sequence: stopSignal, wait
// up to timeout, then SIGKILL the process group.
func (sp *subprocess) stop(ctx context.Context, stopSignal syscall.Signal, timeout time.Duration) {
	_ = sp.signal(stopSignal)

	select {
	case <-sp.done:
		return
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	_ = sp.signal(syscall.SIGKILL)
	<-sp.done
}
