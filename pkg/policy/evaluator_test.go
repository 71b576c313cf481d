package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Policy {
	t.Helper()
	policy, err := Parse(src)
	require.NoError(t, err)
	return policy
}

func TestEvaluateEmailRedaction(t *testing.T) {
	policy := mustParse(t, `policy "redact-email" {
		rule "email-in-content" {
			when is_email(data.content)
			then redact(pattern = "\\w+@\\w+\\.\\w{2,}", replacement = "[EMAIL]")
		}
	}`)

	result, err := NewEvaluator().Evaluate(policy, map[string]any{
		"data": map[string]any{"content": "ping x@y.co"},
	}, nil)
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"email-in-content"}, result.MatchedRules)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, ActionRedact, result.Actions[0].Type)
	assert.Equal(t, `\w+@\w+\.\w{2,}`, result.Actions[0].Parameters["pattern"])
	assert.Equal(t, "[EMAIL]", result.Actions[0].Parameters["replacement"])
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "allow-most" {
			priority: 100
			when true
			then allow
		}
		rule "deny-prod-writes" {
			priority: 10
			when context.environment == "prod"
			then deny
		}
	}`)

	result, err := NewEvaluator().Evaluate(policy, map[string]any{},
		map[string]any{"context": map[string]any{"environment": "prod"}})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"allow-most", "deny-prod-writes"}, result.MatchedRules)
}

func TestEvaluatePriorityOrdering(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "low" { priority: 1 when true then log(level = "info") }
		rule "high" { priority: 50 when true then log(level = "warning") }
	}`)

	result, err := NewEvaluator().Evaluate(policy, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, result.MatchedRules)
}

func TestEvaluateDisabledRuleSkipped(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "off" { enabled: false when true then deny }
	}`)
	result, err := NewEvaluator().Evaluate(policy, map[string]any{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.MatchedRules)
}

func TestEvaluateContextStackShadowing(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" { when who == "context" then allow }
	}`)

	// The secondary context shadows data for the same key.
	result, err := NewEvaluator().Evaluate(policy,
		map[string]any{"who": "data"},
		map[string]any{"who": "context"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, result.MatchedRules)
}

func TestEvaluateTypeMismatchComparesFalse(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "cmp" { when data.count > "10" then deny }
		rule "str" { when data.count contains "1" then deny }
	}`)

	result, err := NewEvaluator().Evaluate(policy, map[string]any{
		"data": map[string]any{"count": 100},
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.MatchedRules)
}

func TestEvaluateTruthinessAndShortCircuit(t *testing.T) {
	// The right side of the "and" would fail on a missing identifier,
	// so a match proves short-circuit.
	policy := mustParse(t, `policy "p" {
		rule "r" { when data.empty or not (false and missing) then allow }
	}`)
	result, err := NewEvaluator().Evaluate(policy, map[string]any{
		"data": map[string]any{"empty": ""},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, result.MatchedRules)
}

func TestEvaluateMembership(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "list" { priority: 3 when data.region in ["eu", "us"] then log(level = "info") }
		rule "dict" { priority: 2 when "key" in data.settings then log(level = "info") }
		rule "substr" { priority: 1 when "bc" in data.word then log(level = "info") }
	}`)
	result, err := NewEvaluator().Evaluate(policy, map[string]any{
		"data": map[string]any{
			"region":   "eu",
			"settings": map[string]any{"key": true},
			"word":     "abcd",
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"list", "dict", "substr"}, result.MatchedRules)
}

func TestEvaluateErrors(t *testing.T) {
	eval := NewEvaluator()

	policy := mustParse(t, `policy "p" { rule "r" { when nope(1) then allow } }`)
	_, err := eval.Evaluate(policy, map[string]any{}, nil)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "unknown function")

	policy = mustParse(t, `policy "p" { rule "r" { when ghost == 1 then allow } }`)
	_, err = eval.Evaluate(policy, map[string]any{}, nil)
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "not found in context")

	policy = mustParse(t, `policy "p" { rule "r" { when data.text matches "([" then allow } }`)
	_, err = eval.Evaluate(policy, map[string]any{"data": map[string]any{"text": "x"}}, nil)
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "invalid regex")

	policy = mustParse(t, `policy "p" { rule "r" { when data.a.b == 1 then allow } }`)
	_, err = eval.Evaluate(policy, map[string]any{"data": map[string]any{"a": 5}}, nil)
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, `field "b" not found`)
}

func TestBuiltinStringsAndCollections(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" {
			when lower("ABC") == "abc"
				and upper(strip("  x  ")) == "X"
				and len(split("a,b,c", ",")) == 3
				and join(["a", "b"], "-") == "a-b"
				and sum([1, 2, 3]) == 6
				and min(4, 2, 9) == 2
				and max([4, 2, 9]) == 9
				and abs(int("-5")) == 5
				and all([1, "x", true])
				and not any([0, "", false])
				and sorted([3, 1, 2]) == [1, 2, 3]
				and reversed([1, 2]) == [2, 1]
				and type("s") == "string"
				and str(42) == "42"
				and int("7") == 7
				and float(2) == 2.0
				and bool([])  == false
			then allow
		}
	}`)
	result, err := NewEvaluator().Evaluate(policy, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, result.MatchedRules)
}

func TestBuiltinPIIDetectors(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" {
			when is_email("a@b.co")
				and is_phone("call 555-123-4567")
				and is_phone("(555) 123-4567")
				and is_ssn("123-45-6789")
				and is_credit_card("4111 1111 1111 1111")
				and contains_pii("ssn 123-45-6789 inside")
				and not is_email("plain text")
				and not contains_pii("nothing here")
			then allow
		}
	}`)
	result, err := NewEvaluator().Evaluate(policy, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, result.MatchedRules)
}

func TestBuiltinClockFunctions(t *testing.T) {
	fixed := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	eval := NewEvaluator().WithClock(func() time.Time { return fixed })

	policy := mustParse(t, `policy "p" {
		rule "r" { when today() == "2026-04-02" and now() > 0 and len(uuid()) == 36 then allow }
	}`)
	result, err := eval.Evaluate(policy, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, result.MatchedRules)
}
