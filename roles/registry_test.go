package roles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/policy"
)

func testSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Version: 1,
		Roles: map[string]*policy.RoleDef{
			"developer": {
				Name:                "developer",
				DefaultTools:        []string{"claude-context", "serena"},
				TokenBudget:         20000,
				CognitiveComplexity: "medium",
				NaturalTransitions:  []string{"researcher"},
				EscalatesTo:         []string{"debugger"},
				EscalationTriggers: map[string]policy.Escalation{
					"test_failure": {
						AdditionalTools:    []string{"zen"},
						MaxDurationSeconds: 1800,
						Priority:           5,
					},
					"deep_search": {
						AdditionalTools:    []string{"exa"},
						MaxDurationSeconds: 900,
						Priority:           1,
						AutoTrigger:        true,
					},
				},
			},
			"researcher": {
				Name:                "researcher",
				DefaultTools:        []string{"exa"},
				TokenBudget:         15000,
				CognitiveComplexity: "low",
			},
			"debugger": {
				Name:                "debugger",
				DefaultTools:        []string{"zen"},
				TokenBudget:         25000,
				CognitiveComplexity: "high",
			},
			"architect": {
				Name:                "architect",
				DefaultTools:        []string{"sequential-thinking"},
				TokenBudget:         30000,
				CognitiveComplexity: "high",
			},
		},
	}
}

func TestTransitionLegalFromNull(t *testing.T) {
	r := New(testSnapshot())
	ok, rule, err := r.TransitionLegal("", "developer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleNullOrigin, rule)
}

func TestTransitionLegalSameRole(t *testing.T) {
	r := New(testSnapshot())
	ok, rule, err := r.TransitionLegal("developer", "developer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleSameRole, rule)
}

func TestTransitionLegalNaturalPath(t *testing.T) {
	r := New(testSnapshot())
	ok, rule, err := r.TransitionLegal("developer", "researcher")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleNaturalPath, rule)
}

func TestTransitionLegalEscalationPath(t *testing.T) {
	r := New(testSnapshot())
	ok, rule, err := r.TransitionLegal("developer", "debugger")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleEscalationPath, rule)
}

func TestTransitionLegalComplexityStep(t *testing.T) {
	r := New(testSnapshot())
	// researcher(low) -> developer(medium) is not a declared edge but is
	// one complexity step.
	ok, rule, err := r.TransitionLegal("researcher", "developer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleComplexityStep, rule)
}

func TestTransitionLegalComplexityJumpForbidden(t *testing.T) {
	r := New(testSnapshot())
	// researcher(low) -> architect(high) is a two-step jump with no
	// declared edge.
	ok, rule, err := r.TransitionLegal("researcher", "architect")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, RuleComplexityJump, rule)
}

func TestTransitionLegalUnknownRole(t *testing.T) {
	r := New(testSnapshot())
	ok, rule, err := r.TransitionLegal("developer", "nonexistent")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, RuleUnknownRole, rule)
}

func TestDefaultToolsUnknownRole(t *testing.T) {
	r := New(testSnapshot())
	_, err := r.DefaultTools("nonexistent")
	require.Error(t, err)
}

func TestEscalationOptionsCappedAtThree(t *testing.T) {
	snap := testSnapshot()
	snap.Roles["developer"].EscalationTriggers["a"] = policy.Escalation{MaxDurationSeconds: 60, Priority: 1}
	snap.Roles["developer"].EscalationTriggers["b"] = policy.Escalation{MaxDurationSeconds: 60, Priority: 1}
	r := New(snap)

	opts, err := r.EscalationOptions("developer", ContextHints{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(opts), 3)
}

func TestEscalationOptionsRankedByKeywordRelevance(t *testing.T) {
	r := New(testSnapshot())
	opts, err := r.EscalationOptions("developer", ContextHints{TaskKeywords: []string{"test_failure"}})
	require.NoError(t, err)
	require.NotEmpty(t, opts)
	assert.Equal(t, "test_failure", opts[0].Key)
}

func TestValidateRoleName(t *testing.T) {
	r := New(testSnapshot())
	assert.True(t, r.ValidateRoleName("developer"))
	assert.False(t, r.ValidateRoleName("nonexistent"))
}

func TestAnalyticsTracksTransitions(t *testing.T) {
	r := New(testSnapshot())
	_, _, _ = r.TransitionLegal("developer", "researcher")
	_, _, _ = r.TransitionLegal("developer", "researcher")

	a := r.Analytics()
	assert.Equal(t, 2, a.TransitionCounts["developer->researcher"])
}

// TestConcurrentTransitionsAndEscalationsDoNotRace exercises the one shared
// Registry instance the way concurrent sessions actually do: every session
// hits the same counters map with no lock of its own above entry level.
func TestConcurrentTransitionsAndEscalationsDoNotRace(t *testing.T) {
	r := New(testSnapshot())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = r.TransitionLegal("developer", "researcher")
		}()
		go func() {
			defer wg.Done()
			r.RecordEscalationGranted("test_failure")
		}()
	}
	wg.Wait()

	a := r.Analytics()
	assert.Equal(t, 50, a.TransitionCounts["developer->researcher"])
	assert.Equal(t, 50, a.EscalationCounts["test_failure"])
}
