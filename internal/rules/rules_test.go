// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakost/betcode/internal/storage"
)

func TestParseAndExactMatchAllows(t *testing.T) {
	set, err := Parse([]string{"allow: Read"})
	require.NoError(t, err)

	action := Evaluate(set, nil, "Read", []byte(`{"file_path":"/p/x.rs"}`))
	assert.Equal(t, ActionAllow, action)
}

func TestDenyBeatsAllow(t *testing.T) {
	set, err := Parse([]string{
		`allow: Bash(git *)`,
		`deny: Bash(git push --force*)`,
	})
	require.NoError(t, err)

	action, pattern := MatchExplain(set, nil, "Bash", []byte(`{"command":"git push --force origin main"}`))
	assert.Equal(t, ActionDeny, action)
	assert.Contains(t, pattern, "git push --force")
}

func TestDenyTierBeatsMoreSpecificAllow(t *testing.T) {
	set, err := Parse([]string{
		`deny: Bash(git *)`,
		`allow: Bash(git status*)`,
	})
	require.NoError(t, err)

	// both tiers match "git status --short"; within the deny tier there's
	// only one candidate, so deny still wins per tier precedence, but the
	// specificity tie-break matters when two rules of the *same* action
	// both match.
	action := Evaluate(set, nil, "Bash", []byte(`{"command":"git status --short"}`))
	assert.Equal(t, ActionDeny, action)
}

func TestSessionGrantAppliesWhenNoRuleMatches(t *testing.T) {
	set := Set{}
	grants := []storage.PermissionGrant{
		{ToolName: "Write", Pattern: "/tmp/*", Decision: storage.DecisionAllow},
	}
	action := Evaluate(set, grants, "Write", []byte(`{"file_path":"/tmp/out.txt"}`))
	assert.Equal(t, ActionAllow, action)
}

func TestEmptyRuleSetNeverAutoResolves(t *testing.T) {
	action := Evaluate(Set{}, nil, "Bash", []byte(`{"command":"ls"}`))
	assert.Equal(t, ActionForward, action)
}

func TestUnqualifiedToolRuleMatchesAnyArgument(t *testing.T) {
	set, err := Parse([]string{"allow: Read"})
	require.NoError(t, err)
	action := Evaluate(set, nil, "Read", []byte(`{"file_path":"/anything"}`))
	assert.Equal(t, ActionAllow, action)
}
