package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/violation"
)

func newTestReporter(t *testing.T, start time.Time) (*Reporter, *time.Time) {
	t.Helper()
	current := start
	r, err := NewReporter()
	require.NoError(t, err)
	return r.WithClock(func() time.Time { return current }), &current
}

func mkViolation(tenant uuid.UUID, vt violation.Type, subject string) *violation.Violation {
	return &violation.Violation{
		ViolationID:     uuid.New(),
		TenantID:        tenant,
		Type:            vt,
		Severity:        violation.SeverityFor(vt),
		AttemptedAction: "orchestrator.run",
		Subject:         subject,
		Endpoint:        "/v1/orchestrator/run",
	}
}

type captureHandler struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (c *captureHandler) handle(alert *Alert, _ []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func TestViolationAlertFeedsReporter(t *testing.T) {
	var _ violation.Alerter = (*Reporter)(nil)

	r, _ := newTestReporter(t, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:             "payments-policy",
		Name:           "Payments policy violations",
		Enabled:        true,
		PolicyPatterns: []string{"payments*"},
		Channels:       []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	v := mkViolation(tenant, violation.ToolBlocked, "svc-a")
	v.Metadata = map[string]any{"policy_name": "payments-core"}
	r.ViolationAlert(context.Background(), v)

	other := mkViolation(tenant, violation.ToolBlocked, "svc-b")
	r.ViolationAlert(context.Background(), other)

	require.Len(t, capture.alerts, 1)
}

func TestAlertRuleMatching(t *testing.T) {
	r, _ := newTestReporter(t, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:          "critical-only",
		Name:        "Critical violations",
		Enabled:     true,
		Severities:  []violation.Severity{violation.SeverityCritical},
		Channels:    []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	r.Record("core", mkViolation(tenant, violation.ExpiredToken, "svc-a"))
	r.Record("core", mkViolation(tenant, violation.ReplayAttack, "svc-a"))

	require.Len(t, capture.alerts, 1)
	assert.Equal(t, violation.SeverityCritical, capture.alerts[0].Severity)
	assert.Equal(t, "critical-only", capture.alerts[0].RuleID)
}

func TestAlertRuleCELExpression(t *testing.T) {
	r, _ := newTestReporter(t, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:              "payments-only",
		Enabled:         true,
		MatchExpression: `action.startsWith("orchestrator.") && user_id != "svc-trusted"`,
		Channels:        []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-trusted"))
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-other"))

	require.Len(t, capture.alerts, 1)
	assert.Equal(t, "svc-other", capture.alerts[0].Violation.Subject)
}

func TestAlertRuleRejectsBadExpression(t *testing.T) {
	r, _ := newTestReporter(t, time.Now())
	err := r.AddRule(&AlertRule{ID: "bad", Enabled: true, MatchExpression: `action +`})
	require.Error(t, err)
}

func TestRateLimiting(t *testing.T) {
	r, clock := newTestReporter(t, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:               "limited",
		Enabled:          true,
		RateLimitPerHour: 2,
		Channels:         []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Minute)
		r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	}
	assert.Len(t, capture.alerts, 2)

	// A new hour opens the limiter again.
	*clock = clock.Add(time.Hour)
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	assert.Len(t, capture.alerts, 3)
}

func TestQuietHours(t *testing.T) {
	r, clock := newTestReporter(t, time.Date(2026, 6, 10, 23, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:         "overnight",
		Enabled:    true,
		QuietHours: &QuietHours{StartHour: 22, EndHour: 6},
		Channels:   []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	assert.Empty(t, capture.alerts, "suppressed inside quiet hours")

	*clock = time.Date(2026, 6, 11, 9, 0, 0, 0, time.UTC)
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	assert.Len(t, capture.alerts, 1)
}

func TestEscalation(t *testing.T) {
	r, clock := newTestReporter(t, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))
	capture := &captureHandler{}
	r.SetHandler(ChannelWebhook, capture.handle)

	require.NoError(t, r.AddRule(&AlertRule{
		ID:                  "escalating",
		Enabled:             true,
		EscalationThreshold: 3,
		Channels:            []Channel{ChannelWebhook},
	}))

	tenant := uuid.New()
	for i := 0; i < 4; i++ {
		*clock = clock.Add(time.Minute)
		r.Record("core", mkViolation(tenant, violation.InsufficientCapability, "svc-rogue"))
	}

	require.Len(t, capture.alerts, 4)
	last := capture.alerts[3]
	assert.True(t, last.Escalated)
	assert.Equal(t, violation.SeverityCritical, last.Severity)
	assert.True(t, strings.HasPrefix(last.Message, "ESCALATED:"))
	assert.Equal(t, "policy_violation_escalated", last.Kind)

	first := capture.alerts[0]
	assert.False(t, first.Escalated)
	assert.Equal(t, violation.SeverityMedium, first.Severity)
}

func TestGenerateReport(t *testing.T) {
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	r, clock := newTestReporter(t, start)
	tenant := uuid.New()

	// 8 violations at 10:00, 2 at 14:00 spread across users.
	*clock = start.Add(10 * time.Hour)
	for i := 0; i < 8; i++ {
		r.Record("payments", mkViolation(tenant, violation.InsufficientCapability, "svc-rogue"))
	}
	*clock = start.Add(14 * time.Hour)
	r.Record("inventory", mkViolation(tenant, violation.ReplayAttack, "svc-a"))
	r.Record("inventory", mkViolation(tenant, violation.ExpiredToken, "svc-b"))

	end := start.Add(24 * time.Hour)
	report := r.Generate(start, end, "Daily violations", false, nil)

	assert.Equal(t, 10, report.TotalViolations)
	assert.Equal(t, 2, report.UniquePolicies)
	assert.Equal(t, 3, report.UniqueUsers)
	assert.Equal(t, 1, report.UniqueTenants)
	assert.Equal(t, 8, report.ByPolicy["payments"])
	assert.Equal(t, 1, report.ByType[violation.ReplayAttack])

	// Zero-filled hourly trend across the whole day.
	require.Len(t, report.HourlyTrend, 25)
	assert.Equal(t, 8, report.HourlyTrend[10].Count)
	assert.Equal(t, 0, report.HourlyTrend[11].Count)
	assert.Equal(t, 2, report.HourlyTrend[14].Count)

	require.NotEmpty(t, report.TopPolicies)
	assert.Equal(t, "payments", report.TopPolicies[0].Key)

	// payments holds 80% of violations, svc-rogue has 5+, one critical,
	// and 80% fall within a single hour.
	assert.Len(t, report.Recommendations, 4)
}

func TestGenerateReportFiltersAndRaw(t *testing.T) {
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	r, clock := newTestReporter(t, start)
	tenant := uuid.New()

	*clock = start.Add(time.Hour)
	r.Record("payments", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	r.Record("inventory", mkViolation(tenant, violation.ToolBlocked, "svc-b"))

	report := r.Generate(start, start.Add(2*time.Hour), "Filtered", true, &Filters{
		PolicyNames: []string{"payments"},
	})
	assert.Equal(t, 1, report.TotalViolations)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "svc-a", report.Violations[0].Subject)
}

func TestGenerateEmptyReport(t *testing.T) {
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	r, _ := newTestReporter(t, start)
	report := r.Generate(start, start.Add(time.Hour), "Empty", false, nil)
	assert.Zero(t, report.TotalViolations)
	assert.Equal(t, "No violations found in the specified period", report.Description)
}

type memArtifacts struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memArtifacts) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objs == nil {
		m.objs = map[string][]byte{}
	}
	m.objs[key] = data
	return nil
}

func TestExportFormats(t *testing.T) {
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	r, clock := newTestReporter(t, start)
	tenant := uuid.New()
	*clock = start.Add(time.Hour)
	r.Record("payments", mkViolation(tenant, violation.ToolBlocked, "svc-a"))

	report := r.Generate(start, start.Add(2*time.Hour), "Export test", false, nil)

	jsonData, err := Export(report, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"total_violations": 1`)

	csvData, err := Export(report, FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "Violations by Policy")
	assert.Contains(t, string(csvData), "payments,1")

	_, err = Export(report, Format("xml"))
	require.Error(t, err)

	store := &memArtifacts{}
	key, err := ExportTo(context.Background(), store, report, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, key, "reports/2026/06/10/")
	assert.NotEmpty(t, store.objs[key])
}

func TestClearOldDataAndStats(t *testing.T) {
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	r, clock := newTestReporter(t, start)
	tenant := uuid.New()

	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-a"))
	*clock = start.Add(48 * time.Hour)
	r.Record("core", mkViolation(tenant, violation.ToolBlocked, "svc-b"))

	r.ClearOldData(24 * time.Hour)
	stats := r.Statistics()
	assert.Equal(t, 2, stats.TotalViolations, "counters are cumulative")
	assert.Equal(t, 1, stats.RecentViolations, "window dropped the old entry")
}
