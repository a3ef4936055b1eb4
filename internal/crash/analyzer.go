// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crash classifies why a supervised claude subprocess exited, from
// its stderr tail and exit code, so the supervisor can decide whether to
// respawn and what reason string to attach to the SessionCrashed event.
package crash

import (
	"regexp"
	"strings"
)

// Reason categorizes why a subprocess exited.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPanic
	ReasonFatal
	ReasonLogFatal
	ReasonError
	ReasonOOM
	ReasonSignal
	ReasonTimeout
	ReasonParseFailureStorm
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonPanic:
		return "panic"
	case ReasonFatal:
		return "fatal"
	case ReasonLogFatal:
		return "log.fatal"
	case ReasonError:
		return "error"
	case ReasonOOM:
		return "oom"
	case ReasonSignal:
		return "signal"
	case ReasonTimeout:
		return "timeout"
	case ReasonParseFailureStorm:
		return "parse_failure_storm"
	default:
		return "unknown"
	}
}

// Result is the outcome of analyzing a subprocess exit.
type Result struct {
	Reason     Reason
	Details    string
	Location   string
	StackTrace []string
	ExitCode   int
}

// Summary renders a one-line human-readable description, used in the
// SessionCrashed event payload and CLI diagnostics.
func (r *Result) Summary() string {
	summary := r.Reason.String()
	if r.Details != "" {
		summary += ": " + r.Details
	}
	if r.Location != "" {
		summary += " at " + r.Location
	}
	return summary
}

// Analyzer inspects stderr lines and an exit code to classify a crash.
type Analyzer struct {
	panicRe    *regexp.Regexp
	fatalRe    *regexp.Regexp
	logFatalRe *regexp.Regexp
	oomRe      *regexp.Regexp
	sigTermRe  *regexp.Regexp
	sigKillRe  *regexp.Regexp
	sigIntRe   *regexp.Regexp
	timeoutRe  *regexp.Regexp
	goStackRe  *regexp.Regexp
	goLocRe    *regexp.Regexp
	nodeLocRe  *regexp.Regexp
}

// NewAnalyzer builds an Analyzer with the standard pattern set. The claude
// CLI is a Node binary, so node-style stack frames ("at Object.<anonymous>
// (/path/file.js:12:5)") are matched alongside Go-style ones in case the
// supervised command is a Go wrapper around it.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		panicRe:    regexp.MustCompile(`(?i)^panic:|uncaught exception`),
		fatalRe:    regexp.MustCompile(`(?i)^fatal error:|FATAL ERROR:`),
		logFatalRe: regexp.MustCompile(`(?i)FATAL[:\s]`),
		oomRe:      regexp.MustCompile(`(?i)(out of memory|cannot allocate memory|heap out of memory|js allocation failed)`),
		sigTermRe:  regexp.MustCompile(`(?i)(signal[:\s]+terminated|SIGTERM|Received signal:\s*SIGTERM)`),
		sigKillRe:  regexp.MustCompile(`(?i)(signal[:\s]+killed|SIGKILL)`),
		sigIntRe:   regexp.MustCompile(`(?i)(signal[:\s]+interrupt|SIGINT)`),
		timeoutRe:  regexp.MustCompile(`(?i)(context deadline exceeded|timed? ?out|ETIMEDOUT)`),
		goStackRe:  regexp.MustCompile(`goroutine \d+ \[running\]:`),
		goLocRe:    regexp.MustCompile(`^\s*(/[^\s]+\.go):(\d+)`),
		nodeLocRe:  regexp.MustCompile(`at .*\(([^()]+\.js):(\d+):\d+\)`),
	}
}

// Analyze examines stderr lines and exit code to classify the crash.
func (a *Analyzer) Analyze(logs []string, exitCode int) *Result {
	result := &Result{ExitCode: exitCode}

	if exitCode == 0 && !a.hasCrashIndicators(logs) {
		result.Reason = ReasonNone
		return result
	}

	if len(logs) == 0 {
		return a.analyzeExitCode(result)
	}

	if a.detectPanic(logs, result) {
		return result
	}
	if a.detectOOM(logs, result) {
		return result
	}
	if a.detectFatal(logs, result) {
		return result
	}
	if a.detectSignal(logs, result) {
		return result
	}
	if a.detectLogFatal(logs, result) {
		return result
	}
	if a.detectTimeout(logs, result) {
		return result
	}
	if a.detectError(logs, result) {
		return result
	}

	a.analyzeExitCode(result)
	if result.Details == "" && len(logs) > 0 {
		var lastLines []string
		for i := len(logs) - 1; i >= 0 && len(lastLines) < 3; i-- {
			line := strings.TrimSpace(logs[i])
			if line != "" {
				lastLines = append([]string{line}, lastLines...)
			}
		}
		if len(lastLines) > 0 {
			result.Details = strings.Join(lastLines, " | ")
		}
	}
	return result
}

func (a *Analyzer) hasCrashIndicators(logs []string) bool {
	for _, line := range logs {
		if a.panicRe.MatchString(line) || a.fatalRe.MatchString(line) || a.oomRe.MatchString(line) ||
			a.sigTermRe.MatchString(line) || a.sigKillRe.MatchString(line) || a.sigIntRe.MatchString(line) {
			return true
		}
	}
	return false
}

func (a *Analyzer) detectPanic(logs []string, result *Result) bool {
	for i, line := range logs {
		if a.panicRe.MatchString(line) {
			result.Reason = ReasonPanic
			result.Details = strings.TrimPrefix(line, "panic: ")

			inStackTrace := false
			var stackLines []string
			for j := i + 1; j < len(logs); j++ {
				if a.goStackRe.MatchString(logs[j]) {
					inStackTrace = true
				}
				if inStackTrace {
					stackLines = append(stackLines, logs[j])
					if result.Location == "" {
						if match := a.goLocRe.FindStringSubmatch(logs[j]); match != nil {
							parts := strings.Split(match[1], "/")
							result.Location = parts[len(parts)-1] + ":" + match[2]
						}
					}
				}
				if result.Location == "" {
					if match := a.nodeLocRe.FindStringSubmatch(logs[j]); match != nil {
						parts := strings.Split(match[1], "/")
						result.Location = parts[len(parts)-1] + ":" + match[2]
					}
				}
			}
			result.StackTrace = stackLines
			return true
		}
	}
	return false
}

func (a *Analyzer) detectFatal(logs []string, result *Result) bool {
	for _, line := range logs {
		if a.fatalRe.MatchString(line) {
			result.Reason = ReasonFatal
			result.Details = strings.TrimPrefix(line, "fatal error: ")
			return true
		}
	}
	return false
}

func (a *Analyzer) detectOOM(logs []string, result *Result) bool {
	for _, line := range logs {
		if a.oomRe.MatchString(line) {
			result.Reason = ReasonOOM
			result.Details = "out of memory"
			return true
		}
	}
	return false
}

func (a *Analyzer) detectSignal(logs []string, result *Result) bool {
	for _, line := range logs {
		switch {
		case a.sigTermRe.MatchString(line):
			result.Reason = ReasonSignal
			result.Details = "SIGTERM"
			return true
		case a.sigKillRe.MatchString(line):
			result.Reason = ReasonSignal
			result.Details = "SIGKILL"
			return true
		case a.sigIntRe.MatchString(line):
			result.Reason = ReasonSignal
			result.Details = "SIGINT"
			return true
		}
	}
	return false
}

func (a *Analyzer) detectLogFatal(logs []string, result *Result) bool {
	for _, line := range logs {
		if a.logFatalRe.MatchString(line) {
			result.Reason = ReasonLogFatal
			idx := strings.Index(strings.ToUpper(line), "FATAL")
			if idx >= 0 {
				msg := strings.TrimSpace(strings.TrimPrefix(line[idx+5:], ":"))
				result.Details = msg
			}
			return true
		}
	}
	return false
}

func (a *Analyzer) detectTimeout(logs []string, result *Result) bool {
	for _, line := range logs {
		if a.timeoutRe.MatchString(line) {
			result.Reason = ReasonTimeout
			result.Details = line
			return true
		}
	}
	return false
}

var errorRe = regexp.MustCompile(`(?i)^error:|: error:`)

var commonErrorPatterns = []string{
	"connection refused",
	"address already in use",
	"permission denied",
	"no such file or directory",
	"enoent",
	"eacces",
	"api error",
	"rate limit",
	"invalid api key",
}

func (a *Analyzer) detectError(logs []string, result *Result) bool {
	for _, line := range logs {
		lineLower := strings.ToLower(line)
		if errorRe.MatchString(line) {
			result.Reason = ReasonError
			result.Details = line
			a.extractLocation(logs, result)
			return true
		}
		for _, pattern := range commonErrorPatterns {
			if strings.Contains(lineLower, pattern) {
				result.Reason = ReasonError
				result.Details = line
				return true
			}
		}
	}
	return false
}

func (a *Analyzer) extractLocation(logs []string, result *Result) {
	for _, line := range logs {
		if match := a.nodeLocRe.FindStringSubmatch(line); match != nil {
			parts := strings.Split(match[1], "/")
			result.Location = parts[len(parts)-1] + ":" + match[2]
			return
		}
		if match := a.goLocRe.FindStringSubmatch(line); match != nil {
			parts := strings.Split(match[1], "/")
			result.Location = parts[len(parts)-1] + ":" + match[2]
			return
		}
	}
}

func (a *Analyzer) analyzeExitCode(result *Result) *Result {
	switch {
	case result.ExitCode == 0:
		result.Reason = ReasonNone
	case result.ExitCode >= 128:
		result.Reason = ReasonSignal
		result.Details = signalName(result.ExitCode - 128)
	case result.ExitCode > 0:
		result.Reason = ReasonError
	default:
		result.Reason = ReasonUnknown
	}
	return result
}

func signalName(num int) string {
	switch num {
	case 1:
		return "SIGHUP"
	case 2:
		return "SIGINT"
	case 3:
		return "SIGQUIT"
	case 9:
		return "SIGKILL"
	case 11:
		return "SIGSEGV"
	case 15:
		return "SIGTERM"
	default:
		return "signal"
	}
}
