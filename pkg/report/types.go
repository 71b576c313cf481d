// Package report turns recorded policy violations into alerts and
// periodic compliance reports. Alert rules match on static criteria
// plus an optional CEL expression; reports carry breakdowns, zero-
// filled trends and remediation recommendations, exportable as JSON or
// CSV to an artifact store.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/violation"
)

// Channel names an alert delivery channel.
type Channel string

const (
	ChannelLog       Channel = "log"
	ChannelWebhook   Channel = "webhook"
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelPagerDuty Channel = "pagerduty"
)

// Format names a report export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// QuietHours suppresses alerting inside [StartHour, EndHour) local
// hours; an overnight range (start > end) wraps midnight.
type QuietHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// AlertRule decides which violations produce alerts and where they go.
// All static criteria must match; MatchExpression, when set, is a CEL
// predicate over the violation that must also hold.
type AlertRule struct {
	ID          string `json:"rule_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`

	PolicyPatterns  []string             `json:"policy_patterns,omitempty"`
	ViolationTypes  []violation.Type     `json:"violation_types,omitempty"`
	Severities      []violation.Severity `json:"severity_levels,omitempty"`
	TenantIDs       []uuid.UUID          `json:"tenant_ids,omitempty"`
	MatchExpression string               `json:"match_expression,omitempty"`

	MinSeverity         violation.Severity `json:"min_severity,omitempty"`
	RateLimitPerHour    int                `json:"rate_limit,omitempty"`
	EscalationThreshold int                `json:"escalation_threshold"`
	EscalationDelay     time.Duration      `json:"escalation_delay"`
	QuietHours          *QuietHours        `json:"quiet_hours,omitempty"`

	Channels   []Channel `json:"channels"`
	Recipients []string  `json:"recipients,omitempty"`
}

// Alert is a delivered notification about one violation.
type Alert struct {
	ID          string             `json:"alert_id"`
	Kind        string             `json:"type"`
	Severity    violation.Severity `json:"severity"`
	RuleID      string             `json:"alert_rule"`
	PolicyName  string             `json:"policy_name"`
	Message     string             `json:"message"`
	Escalated   bool               `json:"escalated"`
	Violation   *violation.Violation `json:"violation"`
	DeliveredAt time.Time          `json:"timestamp"`
}

// TrendPoint is one bucket of a zero-filled time series.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Count     int       `json:"count"`
}

// RankedCount is one entry of a top-N listing.
type RankedCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Filters narrows report generation.
type Filters struct {
	PolicyNames    []string
	ViolationTypes []violation.Type
	Severities     []violation.Severity
	UserIDs        []string
	TenantIDs      []uuid.UUID
}

// Report is a generated compliance report over a time window.
type Report struct {
	ID          uuid.UUID `json:"report_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	GeneratedAt time.Time `json:"generated_at"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalViolations int `json:"total_violations"`
	UniquePolicies  int `json:"unique_policies"`
	UniqueUsers     int `json:"unique_users"`
	UniqueTenants   int `json:"unique_tenants"`

	ByPolicy   map[string]int                 `json:"violations_by_policy"`
	ByType     map[violation.Type]int         `json:"violations_by_type"`
	BySeverity map[violation.Severity]int     `json:"violations_by_severity"`
	ByTenant   map[string]int                 `json:"violations_by_tenant"`
	ByUser     map[string]int                 `json:"violations_by_user"`

	HourlyTrend []TrendPoint `json:"hourly_trend"`
	DailyTrend  []TrendPoint `json:"daily_trend"`

	TopPolicies  []RankedCount `json:"top_policies"`
	TopUsers     []RankedCount `json:"top_users"`
	TopResources []RankedCount `json:"top_resources"`

	Recommendations []string `json:"recommendations"`

	Violations []*violation.Violation `json:"violations,omitempty"`
}

// Stats summarizes reporter activity.
type Stats struct {
	TotalViolations  int       `json:"total_violations"`
	TotalAlertsSent  int       `json:"total_alerts_sent"`
	LastViolationAt  time.Time `json:"last_violation_time"`
	LastAlertAt      time.Time `json:"last_alert_time"`
	ActiveAlertRules int       `json:"active_alert_rules"`
	RecentViolations int       `json:"recent_violations_count"`
	AlertHistory     int       `json:"alert_history_count"`
}
