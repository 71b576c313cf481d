// Package violation records capability violations and derives windowed
// security statistics from them. Violation rows are immutable once
// written; writes are best-effort from the caller's point of view.
package violation

import (
	"time"

	"github.com/google/uuid"
)

// Type names the recognized violation categories.
type Type string

const (
	InsufficientCapability Type = "insufficient_capability"
	InvalidToken           Type = "invalid_token"
	ToolBlocked            Type = "tool_blocked"
	ExpiredToken           Type = "expired_token"
	ReplayAttack           Type = "replay_attack"
	MalformedRequest       Type = "malformed_request"
	RateLimitExceeded      Type = "rate_limit_exceeded"
	PolicyViolation        Type = "policy_violation"
	PolicyDrift            Type = "policy_drift"
	DataExposure           Type = "data_exposure"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// SeverityFor maps a violation type to its severity.
func SeverityFor(t Type) Severity {
	switch t {
	case ReplayAttack, MalformedRequest:
		return SeverityCritical
	case InvalidToken, RateLimitExceeded:
		return SeverityHigh
	case InsufficientCapability, ToolBlocked, PolicyViolation:
		return SeverityMedium
	case ExpiredToken:
		return SeverityLow
	}
	return SeverityMedium
}

// Context carries request detail captured alongside a violation.
type Context struct {
	Endpoint   string         `json:"endpoint,omitempty"`
	HTTPMethod string         `json:"http_method,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	TokenID    string         `json:"token_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Violation is an immutable record of a denied or suspicious request.
type Violation struct {
	ViolationID          uuid.UUID      `json:"violation_id"`
	TenantID             uuid.UUID      `json:"tenant_id"`
	TokenID              string         `json:"token_id,omitempty"`
	Type                 Type           `json:"violation_type"`
	AttemptedAction      string         `json:"attempted_action"`
	RequiredCapability   string         `json:"required_capability,omitempty"`
	ProvidedCapabilities []string       `json:"provided_capabilities,omitempty"`
	Endpoint             string         `json:"endpoint,omitempty"`
	HTTPMethod           string         `json:"http_method,omitempty"`
	ClientIP             string         `json:"client_ip,omitempty"`
	UserAgent            string         `json:"user_agent,omitempty"`
	Subject              string         `json:"subject,omitempty"`
	Severity             Severity       `json:"severity"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// ListFilter narrows a tenant violation listing.
type ListFilter struct {
	Severity Severity
	Type     Type
	Limit    int
	Offset   int
}

// Stats aggregates violations over a trailing window.
type Stats struct {
	PeriodHours     int            `json:"period_hours"`
	TotalViolations int            `json:"total_violations"`
	ByType          map[Type]int   `json:"violations_by_type"`
	BySeverity      map[Severity]int `json:"violations_by_severity"`
	TopActions      map[string]int `json:"top_violated_actions"`
	TopClientIPs    map[string]int `json:"top_client_ips"`
	GeneratedAt     time.Time      `json:"generated_at"`
}
