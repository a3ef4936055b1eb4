// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the betcode daemon.
package config

// Config is the root daemon configuration.
type Config struct {
	Version string        `json:"version"`
	Project ProjectConfig `json:"project"`
	Server  ServerConfig  `json:"server"`
	Agent   AgentConfig   `json:"agent"`
	Storage StorageConfig `json:"storage"`
	Rules   RulesConfig   `json:"rules"`
	Tunnel  TunnelConfig  `json:"tunnel"`
	Relay   RelayConfig   `json:"relay"`
	Logging LoggingConfig `json:"logging"`
}

// ProjectConfig identifies the daemon instance for logging and the relay registry.
type ProjectConfig struct {
	Name string `json:"name"`
}

// ServerConfig controls the local client IPC listener.
type ServerConfig struct {
	SocketPath string `json:"socket_path"` // unix socket / named pipe; empty means the platform default under the state dir
	Host       string `json:"host"`        // optional loopback TCP listener, for local development only
	Port       int    `json:"port"`
	TLSCert    string `json:"tls_cert"`
	TLSKey     string `json:"tls_key"`
}

// AgentConfig controls how the supervised CLI subprocess is spawned.
type AgentConfig struct {
	Command          interface{} `json:"command"` // string or []string, resolved via GetCommand
	Args             []string    `json:"args"`
	WorkDir          string      `json:"work_dir"`
	EnvAllowlist     []string    `json:"env_allowlist"`
	StopSignal       string      `json:"stop_signal"`        // TERM (default), KILL, INT
	StopTimeout      string      `json:"stop_timeout"`       // default 5s
	MaxRestarts      int         `json:"max_restarts"`       // crashes allowed within the crash window before FAILED
	CrashWindow      string      `json:"crash_window"`       // default 60s
	BackoffInitial   string      `json:"backoff_initial"`    // default 500ms
	BackoffMax       string      `json:"backoff_max"`        // default 30s
	HangTimeout      string      `json:"hang_timeout"`       // default 5m, no stdout => considered hung
	MaxLineBytes     int         `json:"max_line_bytes"`     // default 10 MiB, NDJSON truncation threshold
	ParseFailWindow  string      `json:"parse_fail_window"`  // default 60s
	MaxParseFailures int         `json:"max_parse_failures"` // default 5
}

// GetCommand normalizes Command (string or []string) into an argv slice.
func (a *AgentConfig) GetCommand() []string {
	switch v := a.Command.(type) {
	case string:
		return splitCommand(v)
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// splitCommand performs a minimal quote-aware whitespace split, mirroring how
// shells tokenize a single command string.
func splitCommand(s string) []string {
	var out []string
	var cur []rune
	inQuote := rune(0)
	for _, r := range s {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			} else {
				cur = append(cur, r)
			}
		case r == '"' || r == '\'':
			inQuote = r
		case r == ' ' || r == '\t':
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
		default:
			cur = append(cur, r)
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// StorageConfig controls the embedded transactional store.
type StorageConfig struct {
	Path          string `json:"path"` // sqlite database path, defaults under the state dir
	BackupDir     string `json:"backup_dir"`
	BackupEvery   string `json:"backup_every"`   // default 1h
	BusyTimeout   string `json:"busy_timeout"`   // default 5s
	PurgeInterval string `json:"purge_interval"` // default 1h, drives purge_expired sweeps
}

// RulesConfig points at the permission rule file.
type RulesConfig struct {
	Path            string `json:"path"`
	ConnectedTTL    string `json:"connected_ttl"`    // default 60s
	DisconnectedTTL string `json:"disconnected_ttl"` // default 7d, bounded [1h, 30d]
	ReminderEvery   string `json:"reminder_every"`   // default 5m
}

// TunnelConfig controls the daemon-side half of the outbound mutually-
// authenticated tunnel to the relay.
type TunnelConfig struct {
	Enabled          bool   `json:"enabled"`
	RelayAddr        string `json:"relay_addr"`
	DaemonID         string `json:"daemon_id"`
	CertFile         string `json:"cert_file"`
	KeyFile          string `json:"key_file"`
	CAFile           string `json:"ca_file"`
	HeartbeatEvery   string `json:"heartbeat_every"`   // default 20s
	HeartbeatTimeout string `json:"heartbeat_timeout"` // default 15s
	ReconnectInitial string `json:"reconnect_initial"` // default 1s
	ReconnectMax     string `json:"reconnect_max"`     // default 60s
	CertRenewBefore  string `json:"cert_renew_before"` // default 30d
}

// RelayConfig is only consulted by cmd/betcode-relay, not the daemon.
type RelayConfig struct {
	ListenAddr      string `json:"listen_addr"`
	CertFile        string `json:"cert_file"`
	KeyFile         string `json:"key_file"`
	ClientCAFile    string `json:"client_ca_file"`
	OfflineTTL      string `json:"offline_ttl"`       // default 7d
	OfflineMaxBytes int    `json:"offline_max_bytes"` // per-daemon buffer cap
}

// LoggingConfig controls the zerolog-backed ambient logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
	File   string `json:"file"`   // optional additional file sink
}
