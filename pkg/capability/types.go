// Package capability evaluates tool access against tenant-scoped
// allow/deny rule sets. Rules match hierarchical capability names and
// tool/action patterns; the walk is priority-ordered with deny override.
package capability

import (
	"time"

	"github.com/google/uuid"
)

// RuleType is the decision a matching rule contributes.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleDeny  RuleType = "deny"
)

// PatternType selects how tool and action patterns are compared.
type PatternType string

const (
	PatternExact PatternType = "exact"
	PatternRegex PatternType = "regex"
	PatternGlob  PatternType = "glob"
)

// Rule is one tenant-scoped allow-list entry.
// (tenant_id, capability_name, tool_pattern) is unique in the store.
type Rule struct {
	RuleID         uuid.UUID   `json:"rule_id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	CapabilityName string      `json:"capability_name"`
	ToolPattern    string      `json:"tool_pattern"`
	ActionPattern  string      `json:"action_pattern,omitempty"`
	RuleType       RuleType    `json:"rule_type"`
	PatternType    PatternType `json:"pattern_type"`
	Priority       int         `json:"priority"`
	IsActive       bool        `json:"is_active"`
	Description    string      `json:"description,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// CheckRequest asks whether the provided capabilities permit a tool call.
type CheckRequest struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	Capabilities []string  `json:"capabilities"`
	Tool         string    `json:"tool"`
	Action       string    `json:"action,omitempty"`
}

// MatchedRule is the snapshot of a rule that matched during a check.
type MatchedRule struct {
	RuleID         uuid.UUID   `json:"rule_id"`
	CapabilityName string      `json:"capability_name"`
	ToolPattern    string      `json:"tool_pattern"`
	ActionPattern  string      `json:"action_pattern,omitempty"`
	RuleType       RuleType    `json:"rule_type"`
	PatternType    PatternType `json:"pattern_type"`
	Priority       int         `json:"priority"`
	Description    string      `json:"description,omitempty"`
}

// CheckResult is the outcome of a capability check.
type CheckResult struct {
	Allowed              bool          `json:"allowed"`
	MatchedRules         []MatchedRule `json:"matched_rules"`
	ViolationReason      string        `json:"violation_reason,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities"`
}
