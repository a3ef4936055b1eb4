// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateRequired(cfg, errs)
	v.validateServer(cfg, errs)
	v.validateAgent(cfg, errs)
	v.validateLogging(cfg, errs)
	v.validateDurations(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateRequired(cfg *Config, errs *ValidationError) {
	if cfg.Project.Name == "" {
		errs.Add("project.name", "is required")
	}
	if len(cfg.Agent.GetCommand()) == 0 {
		errs.Add("agent.command", "is required")
	}
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs.Add("server.port", "must be between 0 and 65535")
	}
}

func (v *Validator) validateAgent(cfg *Config, errs *ValidationError) {
	validSignals := map[string]bool{"TERM": true, "KILL": true, "INT": true, "": true}
	if !validSignals[cfg.Agent.StopSignal] {
		errs.Add("agent.stop_signal", fmt.Sprintf("invalid signal '%s', must be one of: TERM, KILL, INT", cfg.Agent.StopSignal))
	}
	if cfg.Agent.MaxLineBytes < 0 {
		errs.Add("agent.max_line_bytes", "must be non-negative")
	}
}

func (v *Validator) validateLogging(cfg *Config, errs *ValidationError) {
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[cfg.Logging.Level] {
			errs.Add("logging.level", fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", cfg.Logging.Level))
		}
	}
	if cfg.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "console": true}
		if !validFormats[cfg.Logging.Format] {
			errs.Add("logging.format", fmt.Sprintf("invalid format '%s', must be one of: json, console", cfg.Logging.Format))
		}
	}
}

func (v *Validator) validateDurations(cfg *Config, errs *ValidationError) {
	checks := []struct {
		field string
		value string
	}{
		{"agent.stop_timeout", cfg.Agent.StopTimeout},
		{"agent.crash_window", cfg.Agent.CrashWindow},
		{"agent.backoff_initial", cfg.Agent.BackoffInitial},
		{"agent.backoff_max", cfg.Agent.BackoffMax},
		{"agent.hang_timeout", cfg.Agent.HangTimeout},
		{"agent.parse_fail_window", cfg.Agent.ParseFailWindow},
		{"storage.backup_every", cfg.Storage.BackupEvery},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.purge_interval", cfg.Storage.PurgeInterval},
		{"rules.connected_ttl", cfg.Rules.ConnectedTTL},
		{"rules.disconnected_ttl", cfg.Rules.DisconnectedTTL},
		{"rules.reminder_every", cfg.Rules.ReminderEvery},
		{"tunnel.heartbeat_every", cfg.Tunnel.HeartbeatEvery},
		{"tunnel.heartbeat_timeout", cfg.Tunnel.HeartbeatTimeout},
		{"tunnel.reconnect_initial", cfg.Tunnel.ReconnectInitial},
		{"tunnel.reconnect_max", cfg.Tunnel.ReconnectMax},
		{"tunnel.cert_renew_before", cfg.Tunnel.CertRenewBefore},
		{"relay.offline_ttl", cfg.Relay.OfflineTTL},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		d, err := time.ParseDuration(c.value)
		if err != nil {
			errs.Add(c.field, fmt.Sprintf("invalid duration format: %s", err))
		} else if d < 0 {
			errs.Add(c.field, "must be positive")
		}
	}

	if cfg.Rules.DisconnectedTTL != "" {
		d, err := time.ParseDuration(cfg.Rules.DisconnectedTTL)
		if err == nil && (d < time.Hour || d > 30*24*time.Hour) {
			errs.Add("rules.disconnected_ttl", "must be between 1h and 30d")
		}
	}
}
