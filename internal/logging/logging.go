// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logging is the daemon's ambient structured logger, backed by
// zerolog. Mirrors go-opencode's internal/logging API shape (package-level
// Debug/Info/Warn/Error, a global configurable Logger) so the rest of the
// module calls it the same way regardless of the backing library.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global, reconfigurable logger. Safe for concurrent use;
// zerolog.Logger is an immutable value, so Configure swaps it atomically
// under a simple assignment (the daemon configures it once at startup,
// never mid-request).
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Options controls how Configure builds the global Logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	File   string // optional additional file sink, appended to stderr
}

// Configure rebuilds the global Logger from daemon configuration. Called
// once at startup by cmd/betcoded and cmd/betcode-relay.
func Configure(opts Options) error {
	level := parseLevel(opts.Level)

	var writers []io.Writer
	if strings.EqualFold(opts.Format, "json") {
		writers = append(writers, os.Stderr)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Session returns a child logger bound to a session_id field, the common
// correlation key threaded through every subsystem's log lines.
func Session(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}

// Request returns a child logger bound to a request_id field (pending
// permission requests, tunnel request/response correlation).
func Request(logger zerolog.Logger, requestID string) zerolog.Logger {
	return logger.With().Str("request_id", requestID).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }
