package compiler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/plan"
)

func optStep(id, tool, action string, deps ...string) plan.Step {
	return plan.Step{
		ID:        id,
		Name:      id,
		Type:      plan.StepAction,
		Action:    action,
		Tool:      tool,
		DependsOn: deps,
	}
}

func optPlan(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	p, err := plan.New(uuid.New(), "optimizer-test", "1.0.0", []plan.Flow{{
		ID:        "main",
		Name:      "Main",
		OnFailure: plan.FailStop,
		Steps:     steps,
	}}, "main", plan.Metadata{})
	require.NoError(t, err)
	return p
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelNone, ParseLevel("none"))
	assert.Equal(t, LevelAggressive, ParseLevel("aggressive"))
	assert.Equal(t, LevelStandard, ParseLevel("turbo"))
	assert.Equal(t, LevelStandard, ParseLevel(""))
}

func TestOptimizeNoneLeavesStepsUntouched(t *testing.T) {
	p := optPlan(t, optStep("a", "http", "get"), optStep("b", "compute", "run"))
	analysis, err := NewOptimizer().Optimize(p, LevelNone)
	require.NoError(t, err)
	assert.Nil(t, analysis)
	assert.Equal(t, "none", p.Metadata.OptimizationLevel)
	require.Len(t, p.Flows[0].Steps, 2)

	ok, err := p.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBasicDeduplicatesIdenticalSteps(t *testing.T) {
	// Same type, action, tool and parameters under different ids.
	a := optStep("a", "http", "get")
	b := optStep("b", "http", "get")
	p := optPlan(t, a, b)

	_, err := NewOptimizer().Optimize(p, LevelBasic)
	require.NoError(t, err)
	require.Len(t, p.Flows[0].Steps, 1)
	assert.Equal(t, "a", p.Flows[0].Steps[0].ID)
}

func TestBasicMergesConsecutiveSameToolSteps(t *testing.T) {
	a := optStep("a", "http", "get")
	a.Timeout = 30
	a.Tags = []string{"fetch"}
	b := optStep("b", "http", "post")
	b.Timeout = 60
	b.Tags = []string{"push"}
	p := optPlan(t, a, b)

	_, err := NewOptimizer().Optimize(p, LevelBasic)
	require.NoError(t, err)
	require.Len(t, p.Flows[0].Steps, 1)

	merged := p.Flows[0].Steps[0]
	assert.Equal(t, "a_merged_b", merged.ID)
	assert.Equal(t, "a + b", merged.Name)
	assert.Equal(t, 60, merged.Timeout)
	assert.Equal(t, []string{"fetch", "push"}, merged.Tags)
	assert.Equal(t, []string{"a", "b"}, merged.Metadata["merged_from"])
}

func TestBasicKeepsDependentAndMixedToolSteps(t *testing.T) {
	p := optPlan(t,
		optStep("a", "http", "get"),
		optStep("b", "http", "post", "a"), // depends on a: never merged
		optStep("c", "compute", "run"),    // different tool
	)
	_, err := NewOptimizer().Optimize(p, LevelBasic)
	require.NoError(t, err)
	assert.Len(t, p.Flows[0].Steps, 3)
}

func TestStandardEnablesParallelExecution(t *testing.T) {
	// Two generations with two independent steps each.
	p := optPlan(t,
		optStep("a", "http", "get"),
		optStep("b", "compute", "run"),
		optStep("c", "api", "call", "a", "b"),
		optStep("d", "transform", "map", "a", "b"),
	)
	analysis, err := NewOptimizer().Optimize(p, LevelStandard)
	require.NoError(t, err)
	require.NotNil(t, analysis)

	flow := p.Flows[0]
	assert.True(t, flow.Parallel)
	assert.Equal(t, 2, flow.MaxConcurrency)
	assert.Equal(t, "standard", p.Metadata.OptimizationLevel)
	assert.NotEmpty(t, p.Metadata.OptimizationNotes)
}

func TestStandardAddsRetryToExpensiveSteps(t *testing.T) {
	costly := plan.Step{
		ID:         "crunch",
		Name:       "Crunch",
		Type:       plan.StepLoop,
		Parameters: map[string]any{"iterations": 20}, // cost 0.20
	}
	cheap := optStep("ping", "http", "get")
	p := optPlan(t, costly, cheap)

	_, err := NewOptimizer().Optimize(p, LevelStandard)
	require.NoError(t, err)

	flow := p.Flows[0]
	byID := map[string]plan.Step{}
	for _, s := range flow.Steps {
		byID[s.ID] = s
	}
	require.NotNil(t, byID["crunch"].Retry)
	assert.Equal(t, 3, byID["crunch"].Retry.MaxAttempts)
	assert.Equal(t, "exponential", byID["crunch"].Retry.Backoff)
	assert.Nil(t, byID["ping"].Retry)
}

func TestStandardRespectsExistingRetry(t *testing.T) {
	costly := plan.Step{
		ID:         "crunch",
		Name:       "Crunch",
		Type:       plan.StepLoop,
		Parameters: map[string]any{"iterations": 20},
		Retry:      &plan.RetryPolicy{MaxAttempts: 1, Backoff: "fixed"},
	}
	p := optPlan(t, costly)

	_, err := NewOptimizer().Optimize(p, LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, &plan.RetryPolicy{MaxAttempts: 1, Backoff: "fixed"}, p.Flows[0].Steps[0].Retry)
}

func TestAggressiveFrontLoadsCriticalPathAndWidensBottlenecks(t *testing.T) {
	quick := optStep("quick", "database", "query")
	slow := optStep("slow", "compute", "train", "quick")
	p := optPlan(t, quick, slow)

	_, err := NewOptimizer().Optimize(p, LevelAggressive)
	require.NoError(t, err)

	flow := p.Flows[0]
	require.Len(t, flow.Steps, 2)
	// Both steps are on the critical path; order is preserved.
	assert.Equal(t, "quick", flow.Steps[0].ID)

	byID := map[string]plan.Step{}
	for _, s := range flow.Steps {
		byID[s.ID] = s
	}
	// 15s of a 17.5s path makes "slow" a bottleneck.
	assert.Equal(t, bottleneckTimeout, byID["slow"].Timeout)
	assert.Contains(t, byID["slow"].Tags, "bottleneck")
	assert.NotContains(t, byID["quick"].Tags, "bottleneck")
}

func TestAggressiveTagsParallelizableGroups(t *testing.T) {
	// Three independent steps: sequential 35s vs 15s parallel is a
	// 2.3x speedup, over the tagging threshold.
	p := optPlan(t,
		optStep("a", "http", "get"),
		optStep("b", "compute", "run"),
		optStep("c", "api", "call"),
	)
	_, err := NewOptimizer().Optimize(p, LevelAggressive)
	require.NoError(t, err)

	flow := p.Flows[0]
	require.Len(t, flow.Steps, 3)
	// Critical path is the single longest step, reordered to front.
	assert.Equal(t, "b", flow.Steps[0].ID)

	for _, s := range flow.Steps {
		assert.Equal(t, "parallel_group_0", s.Metadata["parallel_group"], s.ID)
		assert.Contains(t, s.Tags, "parallelizable", s.ID)
	}

	ok, err := p.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok, "hash must be recomputed after rewrites")
}

func TestMergeStepsCombinesDependencies(t *testing.T) {
	a := optStep("a", "http", "get", "x")
	a.Parameters = map[string]any{"url": "https://a"}
	b := optStep("b", "http", "post", "y")
	b.Parameters = map[string]any{"body": "payload"}

	merged := mergeSteps(&a, &b)
	assert.Equal(t, []string{"x", "y"}, merged.DependsOn)
	assert.Equal(t, "https://a", merged.Parameters["url"])
	assert.Equal(t, "payload", merged.Parameters["body"])
}
