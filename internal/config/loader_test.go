// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "betcode.hjson")
	contents := `{
		project: { name: myagent }
		agent: { command: "claude" }
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	l := NewLoader()
	cfg, err := l.LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "myagent", cfg.Project.Name)
	assert.Equal(t, []string{"claude"}, cfg.Agent.GetCommand())
	assert.Equal(t, 7717, cfg.Server.Port)
	assert.Equal(t, "TERM", cfg.Agent.StopSignal)
	assert.Equal(t, "5s", cfg.Agent.StopTimeout)
	assert.Equal(t, 10*1024*1024, cfg.Agent.MaxLineBytes)
	assert.Equal(t, "168h", cfg.Rules.DisconnectedTTL)
}

func TestValidateRequiresAgentCommand(t *testing.T) {
	cfg := &Config{Project: ProjectConfig{Name: "p"}}
	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.command")
}

func TestValidateDisconnectedTTLBounds(t *testing.T) {
	cfg := &Config{
		Project: ProjectConfig{Name: "p"},
		Agent:   AgentConfig{Command: "claude"},
		Rules:   RulesConfig{DisconnectedTTL: "1m"},
	}
	v := NewValidator()
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules.disconnected_ttl")
}

func TestSplitCommandQuoteAware(t *testing.T) {
	a := &AgentConfig{Command: `claude --flag "value with spaces"`}
	assert.Equal(t, []string{"claude", "--flag", "value with spaces"}, a.GetCommand())
}
