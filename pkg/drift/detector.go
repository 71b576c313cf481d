// Package drift watches policy evaluations and violations for behavior
// that diverges from an established baseline: compliance degradation,
// performance drift, rule coverage gaps, unexpected rule frequency
// changes and per-user bypass patterns.
package drift

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/policy"
	"github.com/anumate/enforcement-core/pkg/violation"
)

// Type classifies a drift finding.
type Type string

const (
	ComplianceDegradation Type = "compliance_degradation"
	PolicyBypass          Type = "policy_bypass"
	UnexpectedBehavior    Type = "unexpected_behavior"
	PerformanceDrift      Type = "performance_drift"
	CoverageGap           Type = "coverage_gap"
)

// Severity grades a drift alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor maps drift percentage to alert severity.
func severityFor(driftPct float64) Severity {
	switch {
	case driftPct >= 50:
		return SeverityCritical
	case driftPct >= 25:
		return SeverityHigh
	case driftPct >= 15:
		return SeverityMedium
	}
	return SeverityLow
}

// Alert is one active drift finding. Alerts for the same
// (policy, type, metric) triple are coalesced in place.
type Alert struct {
	ID             uuid.UUID      `json:"alert_id"`
	Type           Type           `json:"drift_type"`
	Severity       Severity       `json:"severity"`
	PolicyName     string         `json:"policy_name"`
	MetricName     string         `json:"metric_name"`
	Description    string         `json:"description"`
	CurrentValue   float64        `json:"current_value"`
	ExpectedValue  float64        `json:"expected_value"`
	DriftPct       float64        `json:"drift_percentage"`
	DetectedAt     time.Time      `json:"detection_time"`
	Remediation    []string       `json:"remediation_suggestions"`
	Context        map[string]any `json:"context,omitempty"`
}

// Baseline captures steady-state behavior of one policy.
type Baseline struct {
	PolicyName      string         `json:"policy_name"`
	SuccessRate     float64        `json:"success_rate"`
	AvgEvalTime     time.Duration  `json:"average_evaluation_time"`
	RuleCoverage    map[string]int `json:"rule_coverage"`
	ViolationRate   float64        `json:"violation_rate"`
	LastUpdated     time.Time      `json:"last_updated"`
	SampleCount     int            `json:"sample_count"`
}

// Metrics is the baseline/current/drift snapshot for one policy.
type Metrics struct {
	PolicyName string `json:"policy_name"`

	Baseline struct {
		SuccessRate   float64       `json:"success_rate"`
		AvgEvalTime   time.Duration `json:"average_evaluation_time"`
		ViolationRate float64       `json:"violation_rate"`
		SampleCount   int           `json:"sample_count"`
		LastUpdated   time.Time     `json:"last_updated"`
	} `json:"baseline"`

	Current struct {
		SuccessRate   float64       `json:"success_rate"`
		AvgEvalTime   time.Duration `json:"average_evaluation_time"`
		ViolationRate float64       `json:"violation_rate"`
		SampleCount   int           `json:"sample_count"`
	} `json:"current"`

	Drift struct {
		SuccessRatePct   float64 `json:"success_rate_drift"`
		PerformancePct   float64 `json:"performance_drift"`
		ViolationRatePct float64 `json:"violation_rate_drift"`
	} `json:"drift"`

	ActiveAlerts int `json:"active_alerts"`
}

type evalSample struct {
	at           time.Time
	allowed      bool
	matchedRules []string
	evalTime     time.Duration
}

type violationSample struct {
	at       time.Time
	vtype    violation.Type
	severity violation.Severity
	userID   string
}

const sampleCap = 1000

// ring is a bounded append-only sample window.
type ring[T any] struct {
	items []T
}

func (r *ring[T]) push(item T) {
	r.items = append(r.items, item)
	if len(r.items) > sampleCap {
		r.items = r.items[len(r.items)-sampleCap:]
	}
}

// Options tune the detection windows.
type Options struct {
	BaselineWindow         time.Duration // default 1h
	BaselineUpdateInterval time.Duration // default 1h
	DetectionWindow        time.Duration // default 5m
}

func (o *Options) defaults() {
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = time.Hour
	}
	if o.BaselineUpdateInterval <= 0 {
		o.BaselineUpdateInterval = time.Hour
	}
	if o.DetectionWindow <= 0 {
		o.DetectionWindow = 5 * time.Minute
	}
}

// thresholds are relative-change triggers per drift type.
var thresholds = map[Type]float64{
	ComplianceDegradation: 0.10,
	PolicyBypass:          0.05,
	UnexpectedBehavior:    0.20,
	PerformanceDrift:      0.25,
	CoverageGap:           0.15,
}

const bypassViolationThreshold = 5

// Handler receives newly raised alerts. Coalesced updates to an
// existing alert are not re-delivered.
type Handler func(*Alert)

// Detector accumulates in-memory rolling windows per policy and raises
// alerts when recent behavior departs from the baseline. Safe for
// concurrent use.
type Detector struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu                 sync.Mutex
	evaluations        map[string]*ring[evalSample]
	violations         map[string]*ring[violationSample]
	baselines          map[string]*Baseline
	lastBaselineUpdate time.Time
	alerts             map[string]*Alert // key policy:type:metric
	handlers           []Handler
}

// NewDetector creates a detector with empty windows.
func NewDetector(opts Options) *Detector {
	opts.defaults()
	return &Detector{
		opts:        opts,
		logger:      slog.Default().With("component", "drift-detector"),
		now:         time.Now,
		evaluations: map[string]*ring[evalSample]{},
		violations:  map[string]*ring[violationSample]{},
		baselines:   map[string]*Baseline{},
		alerts:      map[string]*Alert{},
	}
}

// WithClock overrides the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// AddHandler registers a callback for new alerts.
func (d *Detector) AddHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// RecordEvaluation feeds one evaluation outcome into the windows,
// refreshes baselines when due, and runs the drift checks.
func (d *Detector) RecordEvaluation(policyName string, result *policy.Result, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	r := d.evaluations[policyName]
	if r == nil {
		r = &ring[evalSample]{}
		d.evaluations[policyName] = r
	}
	r.push(evalSample{
		at:           now,
		allowed:      result.Allowed,
		matchedRules: result.MatchedRules,
		evalTime:     elapsed,
	})

	if now.Sub(d.lastBaselineUpdate) > d.opts.BaselineUpdateInterval {
		d.updateBaselines(now)
	}
	d.checkDrift(policyName, now)
}

// RecordViolation feeds one violation into the windows and runs the
// bypass check.
func (d *Detector) RecordViolation(policyName string, v *violation.Violation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	r := d.violations[policyName]
	if r == nil {
		r = &ring[violationSample]{}
		d.violations[policyName] = r
	}
	r.push(violationSample{at: now, vtype: v.Type, severity: v.Severity, userID: v.Subject})

	d.checkBypass(policyName, now)
}

// UpdateBaselines recomputes baselines immediately, regardless of the
// update interval.
func (d *Detector) UpdateBaselines() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateBaselines(d.now())
}

func (d *Detector) updateBaselines(now time.Time) {
	cutoff := now.Add(-d.opts.BaselineWindow)

	for name, r := range d.evaluations {
		var recent []evalSample
		for _, s := range r.items {
			if !s.at.Before(cutoff) {
				recent = append(recent, s)
			}
		}
		if len(recent) < 10 {
			continue
		}

		var success int
		var totalTime time.Duration
		coverage := map[string]int{}
		for _, s := range recent {
			if s.allowed {
				success++
			}
			totalTime += s.evalTime
			for _, rule := range s.matchedRules {
				coverage[rule]++
			}
		}

		var violationCount int
		if vr := d.violations[name]; vr != nil {
			for _, v := range vr.items {
				if !v.at.Before(cutoff) {
					violationCount++
				}
			}
		}

		d.baselines[name] = &Baseline{
			PolicyName:    name,
			SuccessRate:   float64(success) / float64(len(recent)),
			AvgEvalTime:   totalTime / time.Duration(len(recent)),
			RuleCoverage:  coverage,
			ViolationRate: float64(violationCount) / float64(len(recent)),
			LastUpdated:   now,
			SampleCount:   len(recent),
		}
	}
	d.lastBaselineUpdate = now
	d.logger.Info("baselines updated", "policies", len(d.baselines))
}

func (d *Detector) checkDrift(policyName string, now time.Time) {
	baseline := d.baselines[policyName]
	if baseline == nil {
		return
	}
	cutoff := now.Add(-d.opts.DetectionWindow)

	var recent []evalSample
	for _, s := range d.evaluations[policyName].items {
		if !s.at.Before(cutoff) {
			recent = append(recent, s)
		}
	}
	if len(recent) < 5 {
		return
	}

	var success int
	var totalTime time.Duration
	coverage := map[string]int{}
	for _, s := range recent {
		if s.allowed {
			success++
		}
		totalTime += s.evalTime
		for _, rule := range s.matchedRules {
			coverage[rule]++
		}
	}
	successRate := float64(success) / float64(len(recent))
	avgTime := totalTime / time.Duration(len(recent))

	if baseline.SuccessRate > 0 {
		drift := relDrift(successRate, baseline.SuccessRate)
		if drift > thresholds[ComplianceDegradation] {
			d.raise(&Alert{
				Type:          ComplianceDegradation,
				PolicyName:    policyName,
				MetricName:    "success_rate",
				CurrentValue:  successRate,
				ExpectedValue: baseline.SuccessRate,
				DriftPct:      drift * 100,
				Description: fmt.Sprintf("compliance rate drifted from %.2f to %.2f",
					baseline.SuccessRate, successRate),
			}, now)
		}
	}

	if baseline.AvgEvalTime > 0 {
		drift := relDrift(avgTime.Seconds(), baseline.AvgEvalTime.Seconds())
		if drift > thresholds[PerformanceDrift] {
			d.raise(&Alert{
				Type:          PerformanceDrift,
				PolicyName:    policyName,
				MetricName:    "evaluation_time",
				CurrentValue:  avgTime.Seconds(),
				ExpectedValue: baseline.AvgEvalTime.Seconds(),
				DriftPct:      drift * 100,
				Description: fmt.Sprintf("evaluation time drifted from %s to %s",
					baseline.AvgEvalTime, avgTime),
			}, now)
		}
	}

	d.checkCoverage(policyName, baseline, coverage, len(recent), now)
}

// checkCoverage compares per-rule firing rates (fires per evaluation)
// between baseline and detection window, so steady traffic at any
// volume shows zero drift.
func (d *Detector) checkCoverage(policyName string, baseline *Baseline, current map[string]int, samples int, now time.Time) {
	if baseline.SampleCount == 0 || samples == 0 {
		return
	}

	rules := make([]string, 0, len(baseline.RuleCoverage)+len(current))
	seen := map[string]struct{}{}
	for rule := range baseline.RuleCoverage {
		rules = append(rules, rule)
		seen[rule] = struct{}{}
	}
	for rule := range current {
		if _, ok := seen[rule]; !ok {
			rules = append(rules, rule)
		}
	}
	sort.Strings(rules)

	for _, rule := range rules {
		baseRate := float64(baseline.RuleCoverage[rule]) / float64(baseline.SampleCount)
		curRate := float64(current[rule]) / float64(samples)
		switch {
		case baseRate > 0 && current[rule] == 0:
			d.raise(&Alert{
				Type:          CoverageGap,
				PolicyName:    policyName,
				MetricName:    "rule_coverage",
				CurrentValue:  0,
				ExpectedValue: baseRate,
				DriftPct:      100,
				Description:   fmt.Sprintf("rule %q stopped firing (baseline rate %.2f)", rule, baseRate),
				Context:       map[string]any{"rule_name": rule},
			}, now)

		case baseRate > 0:
			drift := relDrift(curRate, baseRate)
			if drift > thresholds[UnexpectedBehavior] {
				d.raise(&Alert{
					Type:          UnexpectedBehavior,
					PolicyName:    policyName,
					MetricName:    "rule_frequency",
					CurrentValue:  curRate,
					ExpectedValue: baseRate,
					DriftPct:      drift * 100,
					Description:   fmt.Sprintf("rule %q firing rate changed from %.2f to %.2f", rule, baseRate, curRate),
					Context:       map[string]any{"rule_name": rule},
				}, now)
			}
		}
	}
}

func (d *Detector) checkBypass(policyName string, now time.Time) {
	cutoff := now.Add(-d.opts.DetectionWindow)

	perUser := map[string]int{}
	typeSet := map[violation.Type]struct{}{}
	for _, v := range d.violations[policyName].items {
		if v.at.Before(cutoff) {
			continue
		}
		typeSet[v.vtype] = struct{}{}
		if v.userID != "" {
			perUser[v.userID]++
		}
	}

	users := make([]string, 0, len(perUser))
	for user := range perUser {
		users = append(users, user)
	}
	sort.Strings(users)

	for _, user := range users {
		count := perUser[user]
		if count < bypassViolationThreshold {
			continue
		}
		types := make([]string, 0, len(typeSet))
		for t := range typeSet {
			types = append(types, string(t))
		}
		sort.Strings(types)
		d.raise(&Alert{
			Type:          PolicyBypass,
			PolicyName:    policyName,
			MetricName:    "user_violations",
			CurrentValue:  float64(count),
			ExpectedValue: 1,
			DriftPct:      float64(count-1) * 100,
			Description: fmt.Sprintf("user %s has %d violations in %s window",
				user, count, d.opts.DetectionWindow),
			Context: map[string]any{"user_id": user, "violation_types": types},
		}, now)
	}
}

// raise coalesces by policy:type:metric. An existing alert is updated
// in place when the drift grew; a new alert is logged and delivered to
// handlers. Callers hold the mutex.
func (d *Detector) raise(alert *Alert, now time.Time) {
	alert.ID = uuid.New()
	alert.Severity = severityFor(alert.DriftPct)
	alert.DetectedAt = now
	alert.Remediation = remediationFor(alert.Type)

	key := fmt.Sprintf("%s:%s:%s", alert.PolicyName, alert.Type, alert.MetricName)
	if existing, ok := d.alerts[key]; ok {
		if alert.DriftPct > existing.DriftPct {
			existing.DriftPct = alert.DriftPct
			existing.CurrentValue = alert.CurrentValue
			existing.DetectedAt = now
			existing.Severity = alert.Severity
		}
		return
	}

	d.alerts[key] = alert
	d.logger.Warn("policy drift detected",
		"alert_id", alert.ID,
		"policy", alert.PolicyName,
		"drift_type", alert.Type,
		"metric", alert.MetricName,
		"drift_pct", alert.DriftPct,
		"severity", alert.Severity)

	for _, h := range d.handlers {
		h(alert)
	}
}

// ActiveAlerts lists alerts, optionally filtered, newest first.
func (d *Detector) ActiveAlerts(policyName string, severity Severity) []*Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Alert
	for _, alert := range d.alerts {
		if policyName != "" && alert.PolicyName != policyName {
			continue
		}
		if severity != "" && alert.Severity != severity {
			continue
		}
		out = append(out, alert)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Acknowledge removes the alert with the given id.
func (d *Detector) Acknowledge(alertID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, alert := range d.alerts {
		if alert.ID == alertID {
			delete(d.alerts, key)
			d.logger.Info("drift alert acknowledged", "alert_id", alertID)
			return true
		}
	}
	return false
}

// PolicyMetrics builds the baseline/current/drift snapshot. Returns
// nil when no baseline or no recent samples exist.
func (d *Detector) PolicyMetrics(policyName string) *Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline := d.baselines[policyName]
	if baseline == nil {
		return nil
	}
	now := d.now()
	cutoff := now.Add(-d.opts.DetectionWindow)

	var recent []evalSample
	if r := d.evaluations[policyName]; r != nil {
		for _, s := range r.items {
			if !s.at.Before(cutoff) {
				recent = append(recent, s)
			}
		}
	}
	if len(recent) == 0 {
		return nil
	}

	var success int
	var totalTime time.Duration
	for _, s := range recent {
		if s.allowed {
			success++
		}
		totalTime += s.evalTime
	}
	var violationCount int
	if vr := d.violations[policyName]; vr != nil {
		for _, v := range vr.items {
			if !v.at.Before(cutoff) {
				violationCount++
			}
		}
	}

	m := &Metrics{PolicyName: policyName}
	m.Baseline.SuccessRate = baseline.SuccessRate
	m.Baseline.AvgEvalTime = baseline.AvgEvalTime
	m.Baseline.ViolationRate = baseline.ViolationRate
	m.Baseline.SampleCount = baseline.SampleCount
	m.Baseline.LastUpdated = baseline.LastUpdated

	m.Current.SuccessRate = float64(success) / float64(len(recent))
	m.Current.AvgEvalTime = totalTime / time.Duration(len(recent))
	m.Current.ViolationRate = float64(violationCount) / float64(len(recent))
	m.Current.SampleCount = len(recent)

	m.Drift.SuccessRatePct = relDrift(m.Current.SuccessRate, baseline.SuccessRate) * 100
	m.Drift.PerformancePct = relDrift(m.Current.AvgEvalTime.Seconds(), baseline.AvgEvalTime.Seconds()) * 100
	m.Drift.ViolationRatePct = relDrift(m.Current.ViolationRate, max(baseline.ViolationRate, 0.001)) * 100

	for _, alert := range d.alerts {
		if alert.PolicyName == policyName {
			m.ActiveAlerts++
		}
	}
	return m
}

// ClearOldData drops samples older than the retention horizon.
func (d *Detector) ClearOldData(retention time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-retention)

	for name, r := range d.evaluations {
		var kept []evalSample
		for _, s := range r.items {
			if !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		d.evaluations[name].items = kept
	}
	for name, r := range d.violations {
		var kept []violationSample
		for _, s := range r.items {
			if !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		d.violations[name].items = kept
	}
	d.logger.Info("old drift samples cleared", "retention", retention)
}

func relDrift(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	diff := current - baseline
	if diff < 0 {
		diff = -diff
	}
	return diff / baseline
}

func remediationFor(t Type) []string {
	switch t {
	case ComplianceDegradation:
		return []string{
			"review recent policy changes for unintended effects",
			"check for changes in input data patterns",
			"verify policy rules still fit current use cases",
		}
	case PolicyBypass:
		return []string{
			"investigate the user's behavior pattern",
			"review access controls and permissions",
			"audit recent system changes that might enable bypasses",
		}
	case UnexpectedBehavior:
		return []string{
			"analyze recent changes to system inputs or configuration",
			"review policy logic for edge cases",
			"check for changes in data sources or formats",
		}
	case PerformanceDrift:
		return []string{
			"review resource utilization and capacity",
			"check for inefficient rules or complex evaluations",
			"verify policy compile caching is effective",
		}
	case CoverageGap:
		return []string{
			"review policy completeness for current use cases",
			"verify policy deployment and activation status",
			"check whether new scenarios need additional rules",
		}
	}
	return []string{"escalate to the policy administrator"}
}
