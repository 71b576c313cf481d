package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/violation"
)

const (
	recentCap            = 10000
	historyCap           = 1000
	defaultEscalateAfter = 5
	defaultEscalateDelay = time.Hour
)

// Handler delivers an alert over one channel.
type Handler func(*Alert, []string) error

type recorded struct {
	policyName string
	v          *violation.Violation
	at         time.Time
}

type compiledRule struct {
	rule    *AlertRule
	program cel.Program
}

// Reporter accumulates violations in a bounded window, matches them
// against alert rules and builds compliance reports. Safe for
// concurrent use.
type Reporter struct {
	logger *slog.Logger
	now    func() time.Time
	env    *cel.Env

	mu         sync.Mutex
	recent     []recorded
	index      map[string][]recorded // by policy name
	rules      map[string]*compiledRule
	rateLimits map[string][]time.Time
	history    []*Alert
	handlers   map[Channel]Handler

	totalViolations int
	totalAlerts     int
	lastViolationAt time.Time
	lastAlertAt     time.Time
}

// NewReporter creates a reporter with a log-channel handler installed.
func NewReporter() (*Reporter, error) {
	env, err := cel.NewEnv(
		cel.Variable("policy_name", cel.StringType),
		cel.Variable("violation_type", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("client_ip", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create alert rule environment: %w", err)
	}

	r := &Reporter{
		logger:     slog.Default().With("component", "violation-reporter"),
		now:        time.Now,
		env:        env,
		index:      map[string][]recorded{},
		rules:      map[string]*compiledRule{},
		rateLimits: map[string][]time.Time{},
		handlers:   map[Channel]Handler{},
	}
	r.handlers[ChannelLog] = func(alert *Alert, _ []string) error {
		r.logger.Info("violation alert",
			"alert_id", alert.ID,
			"kind", alert.Kind,
			"severity", alert.Severity,
			"message", alert.Message)
		return nil
	}
	return r, nil
}

// WithClock overrides the time source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// SetHandler installs the delivery handler for a channel.
func (r *Reporter) SetHandler(channel Channel, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = h
}

// AddRule registers an alert rule, compiling its CEL match expression
// when present. Threshold defaults are applied here.
func (r *Reporter) AddRule(rule *AlertRule) error {
	if rule.ID == "" {
		return fmt.Errorf("alert rule must have an id")
	}
	if rule.EscalationThreshold == 0 {
		rule.EscalationThreshold = defaultEscalateAfter
	}
	if rule.EscalationDelay == 0 {
		rule.EscalationDelay = defaultEscalateDelay
	}

	var program cel.Program
	if rule.MatchExpression != "" {
		ast, issues := r.env.Compile(rule.MatchExpression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s match expression: %w", rule.ID, issues.Err())
		}
		p, err := r.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return fmt.Errorf("rule %s match expression: %w", rule.ID, err)
		}
		program = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID] = &compiledRule{rule: rule, program: program}
	r.logger.Info("alert rule added", "rule_id", rule.ID, "name", rule.Name)
	return nil
}

// RemoveRule drops a rule by id.
func (r *Reporter) RemoveRule(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[ruleID]; !ok {
		return false
	}
	delete(r.rules, ruleID)
	return true
}

// Record stores one violation and runs it through the alert rules.
// Alerting failures never propagate to the caller.
func (r *Reporter) Record(policyName string, v *violation.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry := recorded{policyName: policyName, v: v, at: now}
	r.recent = append(r.recent, entry)
	if len(r.recent) > recentCap {
		r.recent = r.recent[len(r.recent)-recentCap:]
	}
	r.index[policyName] = append(r.index[policyName], entry)
	r.totalViolations++
	r.lastViolationAt = now

	for _, cr := range r.rules {
		rule := cr.rule
		if !rule.Enabled {
			continue
		}
		if !r.matches(cr, policyName, v) {
			continue
		}
		if r.rateLimited(rule, now) {
			continue
		}
		if inQuietHours(rule.QuietHours, now) {
			continue
		}
		r.deliver(rule, policyName, v, r.shouldEscalate(rule, policyName, v, now), now)
	}
}

// ViolationAlert feeds a logged violation into the reporter, so the
// reporter can serve as the violation logger's alerter. The policy
// name comes from metadata when the violation carries one.
func (r *Reporter) ViolationAlert(ctx context.Context, v *violation.Violation) {
	policyName := ""
	if name, ok := v.Metadata["policy_name"].(string); ok {
		policyName = name
	}
	r.Record(policyName, v)
}

func (r *Reporter) matches(cr *compiledRule, policyName string, v *violation.Violation) bool {
	rule := cr.rule

	if len(rule.PolicyPatterns) > 0 {
		matched := false
		for _, pattern := range rule.PolicyPatterns {
			trimmed := strings.Trim(pattern, "*")
			if trimmed == "" || strings.Contains(policyName, trimmed) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(rule.ViolationTypes) > 0 && !containsType(rule.ViolationTypes, v.Type) {
		return false
	}
	if len(rule.Severities) > 0 && !containsSeverity(rule.Severities, v.Severity) {
		return false
	}
	if len(rule.TenantIDs) > 0 && !containsUUID(rule.TenantIDs, v.TenantID) {
		return false
	}
	if rule.MinSeverity != "" && !v.Severity.AtLeast(rule.MinSeverity) {
		return false
	}

	if cr.program != nil {
		out, _, err := cr.program.Eval(map[string]any{
			"policy_name":    policyName,
			"violation_type": string(v.Type),
			"severity":       string(v.Severity),
			"tenant_id":      v.TenantID.String(),
			"user_id":        v.Subject,
			"action":         v.AttemptedAction,
			"client_ip":      v.ClientIP,
		})
		if err != nil {
			r.logger.Error("alert rule expression failed", "rule_id", rule.ID, "error", err)
			return false
		}
		ok, isBool := out.Value().(bool)
		return isBool && ok
	}
	return true
}

func (r *Reporter) rateLimited(rule *AlertRule, now time.Time) bool {
	if rule.RateLimitPerHour <= 0 {
		return false
	}
	hourAgo := now.Add(-time.Hour)
	var recent int
	for _, at := range r.rateLimits[rule.ID] {
		if !at.Before(hourAgo) {
			recent++
		}
	}
	if recent >= rule.RateLimitPerHour {
		r.logger.Debug("alert rule rate limited", "rule_id", rule.ID)
		return true
	}
	return false
}

func inQuietHours(q *QuietHours, now time.Time) bool {
	if q == nil {
		return false
	}
	hour := now.Hour()
	if q.StartHour <= q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	// Overnight range.
	return hour >= q.StartHour || hour < q.EndHour
}

// shouldEscalate counts recent same-policy violations by the same
// subject and type within the escalation delay.
func (r *Reporter) shouldEscalate(rule *AlertRule, policyName string, v *violation.Violation, now time.Time) bool {
	if rule.EscalationThreshold <= 0 {
		return false
	}
	cutoff := now.Add(-rule.EscalationDelay)
	var count int
	for _, entry := range r.index[policyName] {
		if entry.at.Before(cutoff) {
			continue
		}
		if entry.v.Subject == v.Subject && entry.v.Type == v.Type {
			count++
		}
	}
	return count >= rule.EscalationThreshold
}

func (r *Reporter) deliver(rule *AlertRule, policyName string, v *violation.Violation, escalated bool, now time.Time) {
	alert := &Alert{
		ID:          fmt.Sprintf("alert_%d_%s", now.Unix(), uuid.NewString()[:8]),
		Kind:        "policy_violation",
		Severity:    v.Severity,
		RuleID:      rule.ID,
		PolicyName:  policyName,
		Message:     fmt.Sprintf("%s on %s", v.Type, v.AttemptedAction),
		Escalated:   escalated,
		Violation:   v,
		DeliveredAt: now,
	}
	if escalated {
		alert.Kind = "policy_violation_escalated"
		alert.Severity = violation.SeverityCritical
		alert.Message = "ESCALATED: " + alert.Message
	}

	r.rateLimits[rule.ID] = append(r.rateLimits[rule.ID], now)
	if len(r.rateLimits[rule.ID]) > 100 {
		r.rateLimits[rule.ID] = r.rateLimits[rule.ID][len(r.rateLimits[rule.ID])-100:]
	}

	for _, channel := range rule.Channels {
		handler, ok := r.handlers[channel]
		if !ok {
			r.logger.Warn("no handler for alert channel", "channel", channel)
			continue
		}
		if err := handler(alert, rule.Recipients); err != nil {
			r.logger.Error("alert delivery failed", "channel", channel, "rule_id", rule.ID, "error", err)
		}
	}

	r.history = append(r.history, alert)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
	r.totalAlerts++
	r.lastAlertAt = now
}

// History returns delivered alerts, newest last.
func (r *Reporter) History() []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Alert, len(r.history))
	copy(out, r.history)
	return out
}

// Statistics snapshots reporter counters.
func (r *Reporter) Statistics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalViolations:  r.totalViolations,
		TotalAlertsSent:  r.totalAlerts,
		LastViolationAt:  r.lastViolationAt,
		LastAlertAt:      r.lastAlertAt,
		ActiveAlertRules: len(r.rules),
		RecentViolations: len(r.recent),
		AlertHistory:     len(r.history),
	}
}

// ClearOldData drops recorded violations and alert history older than
// the retention horizon.
func (r *Reporter) ClearOldData(retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-retention)

	var kept []recorded
	for _, entry := range r.recent {
		if !entry.at.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	r.recent = kept

	for name, entries := range r.index {
		var keptIdx []recorded
		for _, entry := range entries {
			if !entry.at.Before(cutoff) {
				keptIdx = append(keptIdx, entry)
			}
		}
		if len(keptIdx) == 0 {
			delete(r.index, name)
		} else {
			r.index[name] = keptIdx
		}
	}

	var keptHistory []*Alert
	for _, alert := range r.history {
		if !alert.DeliveredAt.Before(cutoff) {
			keptHistory = append(keptHistory, alert)
		}
	}
	r.history = keptHistory
	r.logger.Info("old violation data cleared", "retention", retention)
}

func containsType(list []violation.Type, t violation.Type) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsSeverity(list []violation.Severity, s violation.Severity) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsUUID(list []uuid.UUID, id uuid.UUID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
