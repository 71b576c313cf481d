package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueMessages(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Message
	}
	return out
}

func TestValidateCleanPolicy(t *testing.T) {
	policy := mustParse(t, samplePolicy)
	result := NewValidator().Validate(policy)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors())
}

func TestValidateDuplicateRuleNames(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "same" { when true then allow }
		rule "same" { when false then deny }
	}`)
	result := NewValidator().Validate(policy)
	assert.False(t, result.Valid)
	assert.Contains(t, issueMessages(result.Errors())[0], "duplicate rule name")
}

func TestValidateActionParameters(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "bad-redact" { when true then redact(replacement = "[X]") }
		rule "bad-log" { when true then log(level = "verbose") }
		rule "bad-alert" { when true then alert(severity = "catastrophic") }
		rule "bad-approval" { when true then require_approval(approvers = []) }
	}`)
	result := NewValidator().Validate(policy)
	require.False(t, result.Valid)

	messages := issueMessages(result.Errors())
	assert.Contains(t, messages, "redact action must specify either 'field' or 'pattern'")
	assert.Contains(t, messages, `invalid log level "verbose"`)
	assert.Contains(t, messages, "alert action must have a 'message' parameter")
	assert.Contains(t, messages, `invalid alert severity "catastrophic"`)
	assert.Contains(t, messages, "approvers must be a non-empty list")
}

func TestValidateFunctions(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "unknown" { when frobnicate(1) then allow }
		rule "arity" { when len() then allow }
	}`)
	result := NewValidator().Validate(policy)
	require.False(t, result.Valid)

	messages := issueMessages(result.Errors())
	assert.Contains(t, messages, `unknown function "frobnicate"`)
	assert.Contains(t, messages, `function "len" expects 1 argument(s), got 0`)
}

func TestValidateRegexLiteral(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" { when data.text matches "([" then allow }
	}`)
	result := NewValidator().Validate(policy)
	assert.False(t, result.Valid)
	assert.Contains(t, issueMessages(result.Errors())[0], "does not compile")
}

func TestValidatePriorityWarning(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" { priority: 5000 when true then allow }
	}`)
	result := NewValidator().Validate(policy)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings(), 1)
	assert.Contains(t, result.Warnings()[0].Message, "outside recommended range")
	assert.Equal(t, "r", result.Warnings()[0].RuleName)
}

func TestValidatePIIIdentifierInfo(t *testing.T) {
	policy := mustParse(t, `policy "p" {
		rule "r" { when email == "x" then allow }
	}`)
	result := NewValidator().Validate(policy)
	assert.True(t, result.Valid)

	var infos []Issue
	for _, issue := range result.Issues {
		if issue.Level == LevelInfo {
			infos = append(infos, issue)
		}
	}
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Message, "may contain PII")
}

func TestValidateEmptyPolicy(t *testing.T) {
	result := NewValidator().Validate(&Policy{Name: "  "})
	assert.False(t, result.Valid)
	messages := issueMessages(result.Issues)
	assert.Contains(t, messages, "policy must have a non-empty name")
	assert.Contains(t, messages, "policy has no rules")
}
