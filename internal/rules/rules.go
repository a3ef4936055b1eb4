// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rules implements the permission rule language: a rule is
// `Tool` or `Tool(pattern)`, matched case-sensitively on tool name with a
// glob pattern over the tool's canonical primary argument.
package rules

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sakost/betcode/internal/storage"
)

// Action is the outcome a matching rule or grant produces.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionForward Action = "forward" // no rule/grant matched; ask the client
)

// Rule is one parsed `Tool` or `Tool(pattern)` entry.
type Rule struct {
	Tool    string
	Pattern string // empty means "matches any argument"
	Action  Action
}

// Set is an ordered collection of allow/deny rules, evaluated per spec
// §4.6's four-tier precedence; the session grants consulted after them are
// passed to Evaluate separately.
type Set struct {
	Allow []Rule
	Deny  []Rule
}

// Parse reads one rule per non-blank, non-comment line of the form
// `allow: Tool` / `allow: Tool(pattern)` / `deny: ...`. Lines starting with
// `#` are comments, matching the teacher's settings-file conventions.
func Parse(lines []string) (Set, error) {
	var set Set
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		action, spec, ok := strings.Cut(line, ":")
		if !ok {
			return Set{}, fmt.Errorf("rules: line %d: missing ':' in %q", i+1, raw)
		}
		r, err := parseRuleSpec(strings.TrimSpace(spec))
		if err != nil {
			return Set{}, fmt.Errorf("rules: line %d: %w", i+1, err)
		}
		switch strings.TrimSpace(strings.ToLower(action)) {
		case "allow":
			r.Action = ActionAllow
			set.Allow = append(set.Allow, r)
		case "deny":
			r.Action = ActionDeny
			set.Deny = append(set.Deny, r)
		default:
			return Set{}, fmt.Errorf("rules: line %d: unknown action %q", i+1, action)
		}
	}
	return set, nil
}

func parseRuleSpec(spec string) (Rule, error) {
	open := strings.IndexByte(spec, '(')
	if open < 0 {
		if spec == "" {
			return Rule{}, fmt.Errorf("empty rule")
		}
		return Rule{Tool: spec}, nil
	}
	if !strings.HasSuffix(spec, ")") {
		return Rule{}, fmt.Errorf("unterminated pattern in %q", spec)
	}
	return Rule{Tool: spec[:open], Pattern: spec[open+1 : len(spec)-1]}, nil
}

// CanonicalArg extracts the string a pattern matches against, per tool
// family: file tools match the canonicalized path, shell tools match the
// command line, everything else matches the empty string (so only a
// bare, pattern-less rule can ever match it).
func CanonicalArg(toolName string, input []byte) string {
	var parsed struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Command  string `json:"command"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &parsed)
	}

	switch toolName {
	case "Bash":
		return parsed.Command
	case "Read", "Write", "Edit":
		p := parsed.FilePath
		if p == "" {
			p = parsed.Path
		}
		if p == "" {
			return ""
		}
		return filepath.Clean(p)
	default:
		return ""
	}
}

// Evaluate applies the spec §4.6 precedence: any matching deny wins, then
// any matching allow, then any matching session grant, else Forward. Among
// matches within the same tier, the rule with the longer non-wildcard
// pattern prefix (more specific) wins.
func Evaluate(set Set, grants []storage.PermissionGrant, toolName string, input []byte) Action {
	arg := CanonicalArg(toolName, input)

	if r, ok := bestMatch(set.Deny, toolName, arg); ok {
		_ = r
		return ActionDeny
	}
	if r, ok := bestMatch(set.Allow, toolName, arg); ok {
		_ = r
		return ActionAllow
	}
	if a, ok := bestGrantMatch(grants, toolName, arg); ok {
		return a
	}
	return ActionForward
}

// MatchExplain mirrors Evaluate but also returns the winning rule's
// pattern, for building a human-readable denial message (spec's end-to-end
// scenario (b): "message referencing the deny pattern").
func MatchExplain(set Set, grants []storage.PermissionGrant, toolName string, input []byte) (Action, string) {
	arg := CanonicalArg(toolName, input)
	if r, ok := bestMatch(set.Deny, toolName, arg); ok {
		return ActionDeny, ruleString(r)
	}
	if r, ok := bestMatch(set.Allow, toolName, arg); ok {
		return ActionAllow, ruleString(r)
	}
	if a, ok := bestGrantMatch(grants, toolName, arg); ok {
		return a, ""
	}
	return ActionForward, ""
}

func ruleString(r Rule) string {
	if r.Pattern == "" {
		return r.Tool
	}
	return fmt.Sprintf("%s(%s)", r.Tool, r.Pattern)
}

func bestMatch(candidates []Rule, toolName, arg string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range candidates {
		if r.Tool != toolName {
			continue
		}
		if !matchesPattern(r.Pattern, arg) {
			continue
		}
		if !found || specificity(r.Pattern) > specificity(best.Pattern) {
			best = r
			found = true
		}
	}
	return best, found
}

func bestGrantMatch(grants []storage.PermissionGrant, toolName, arg string) (Action, bool) {
	var best storage.PermissionGrant
	found := false
	for _, g := range grants {
		if g.ToolName != toolName {
			continue
		}
		if !matchesPattern(g.Pattern, arg) {
			continue
		}
		if !found || specificity(g.Pattern) > specificity(best.Pattern) {
			best = g
			found = true
		}
	}
	if !found {
		return "", false
	}
	return Action(best.Decision), true
}

func matchesPattern(pattern, arg string) bool {
	if pattern == "" {
		return true
	}
	ok, err := filepath.Match(pattern, arg)
	if err != nil {
		return false
	}
	return ok
}

// specificity is the length of a pattern's non-wildcard prefix, the tie
// breaker spec §4.6 names ("longer non-wildcard prefix wins").
func specificity(pattern string) int {
	n := 0
	for _, r := range pattern {
		if r == '*' || r == '?' || r == '[' {
			break
		}
		n++
	}
	return n
}
