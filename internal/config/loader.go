// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"betcode.hjson",
		"betcode.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for betcode.hjson, betcode.json)")
}

// applyDefaults sets default values for missing config fields, matching the
// numeric constants named throughout the component design.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7717
	}

	if cfg.Agent.StopSignal == "" {
		cfg.Agent.StopSignal = "TERM"
	}
	if cfg.Agent.StopTimeout == "" {
		cfg.Agent.StopTimeout = "5s"
	}
	if cfg.Agent.MaxRestarts == 0 {
		cfg.Agent.MaxRestarts = 5
	}
	if cfg.Agent.CrashWindow == "" {
		cfg.Agent.CrashWindow = "60s"
	}
	if cfg.Agent.BackoffInitial == "" {
		cfg.Agent.BackoffInitial = "500ms"
	}
	if cfg.Agent.BackoffMax == "" {
		cfg.Agent.BackoffMax = "30s"
	}
	if cfg.Agent.HangTimeout == "" {
		cfg.Agent.HangTimeout = "5m"
	}
	if cfg.Agent.MaxLineBytes == 0 {
		cfg.Agent.MaxLineBytes = 10 * 1024 * 1024
	}
	if cfg.Agent.ParseFailWindow == "" {
		cfg.Agent.ParseFailWindow = "60s"
	}
	if cfg.Agent.MaxParseFailures == 0 {
		cfg.Agent.MaxParseFailures = 5
	}

	if cfg.Storage.BackupEvery == "" {
		cfg.Storage.BackupEvery = "1h"
	}
	if cfg.Storage.BusyTimeout == "" {
		cfg.Storage.BusyTimeout = "5s"
	}
	if cfg.Storage.PurgeInterval == "" {
		cfg.Storage.PurgeInterval = "1h"
	}

	if cfg.Rules.ConnectedTTL == "" {
		cfg.Rules.ConnectedTTL = "60s"
	}
	if cfg.Rules.DisconnectedTTL == "" {
		cfg.Rules.DisconnectedTTL = "168h" // 7d
	}
	if cfg.Rules.ReminderEvery == "" {
		cfg.Rules.ReminderEvery = "5m"
	}

	if cfg.Tunnel.HeartbeatEvery == "" {
		cfg.Tunnel.HeartbeatEvery = "20s"
	}
	if cfg.Tunnel.HeartbeatTimeout == "" {
		cfg.Tunnel.HeartbeatTimeout = "15s"
	}
	if cfg.Tunnel.ReconnectInitial == "" {
		cfg.Tunnel.ReconnectInitial = "1s"
	}
	if cfg.Tunnel.ReconnectMax == "" {
		cfg.Tunnel.ReconnectMax = "60s"
	}
	if cfg.Tunnel.CertRenewBefore == "" {
		cfg.Tunnel.CertRenewBefore = "720h" // 30d
	}

	if cfg.Relay.OfflineTTL == "" {
		cfg.Relay.OfflineTTL = "168h" // 7d
	}
	if cfg.Relay.OfflineMaxBytes == 0 {
		cfg.Relay.OfflineMaxBytes = 16 * 1024 * 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
