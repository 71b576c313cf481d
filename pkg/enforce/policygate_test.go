package enforce

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/drift"
	"github.com/anumate/enforcement-core/pkg/violation"
)

func staticPolicies(policies map[string]string) PolicyLoader {
	return func(context.Context) (map[string]string, error) {
		return policies, nil
	}
}

func newPolicyGate(cfg PolicyConfig, policies map[string]string) (*PolicyGate, *memViolationSink) {
	violations := &memViolationSink{}
	return NewPolicyGate(cfg, nil, staticPolicies(policies), violations), violations
}

func TestEvaluatePreDeniesWithPolicyViolation(t *testing.T) {
	gate, violations := newPolicyGate(DefaultPolicyConfig(), map[string]string{
		"tool-safety": `policy "tool-safety" {
			rule "deny-drop" { when data.tool contains "drop" then deny }
		}`,
	})
	tenant := uuid.New()

	d := gate.EvaluatePre(context.Background(), tenant, "/v1/execute",
		map[string]any{"data": map[string]any{"tool": "db.drop_table"}}, nil)

	require.False(t, d.Allowed)
	assert.Equal(t, 403, d.StatusCode)
	assert.Equal(t, "POLICY_VIOLATION", d.Code)
	assert.Equal(t, "tool-safety", d.PolicyName)
	assert.NotEqual(t, uuid.Nil, d.ViolationID)

	v := violations.last(t)
	assert.Equal(t, tenant, v.TenantID)
	assert.Equal(t, violation.PolicyViolation, v.Type)
	assert.Equal(t, "/v1/execute", v.Context.Endpoint)
	assert.Equal(t, "tool-safety", v.Context.Metadata["policy_name"])
}

func TestEvaluatePreAllows(t *testing.T) {
	gate, violations := newPolicyGate(DefaultPolicyConfig(), map[string]string{
		"tool-safety": `policy "tool-safety" {
			rule "deny-drop" { when data.tool contains "drop" then deny }
		}`,
	})

	d := gate.EvaluatePre(context.Background(), uuid.New(), "/v1/execute",
		map[string]any{"data": map[string]any{"tool": "db.select"}}, nil)

	assert.True(t, d.Allowed)
	assert.Equal(t, 200, d.StatusCode)
	assert.Empty(t, violations.rows)
}

func TestEvaluatePreSystemErrorOnBrokenPolicy(t *testing.T) {
	gate, _ := newPolicyGate(DefaultPolicyConfig(), map[string]string{
		"broken": `policy "broken" { rule { when }`,
	})

	d := gate.EvaluatePre(context.Background(), uuid.New(), "/v1/execute",
		map[string]any{}, nil)

	assert.False(t, d.Allowed)
	assert.Equal(t, 500, d.StatusCode)
	assert.Equal(t, "POLICY_SYSTEM_ERROR", d.Code)
}

func TestEvaluatePreFailOpenSkipsBrokenPolicy(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.FailOpen = true
	gate, _ := newPolicyGate(cfg, map[string]string{
		"broken": `policy "broken" { rule { when }`,
	})

	d := gate.EvaluatePre(context.Background(), uuid.New(), "/v1/execute",
		map[string]any{}, nil)
	assert.True(t, d.Allowed)
}

func TestEvaluatePreSystemErrorOnLoaderFailure(t *testing.T) {
	violations := &memViolationSink{}
	gate := NewPolicyGate(DefaultPolicyConfig(), nil,
		func(context.Context) (map[string]string, error) { return nil, assert.AnError },
		violations)

	d := gate.EvaluatePre(context.Background(), uuid.New(), "/v1/execute", nil, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, "POLICY_SYSTEM_ERROR", d.Code)
}

func TestEvaluatePreDisabledAllowsEverything(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Enabled = false
	gate, _ := newPolicyGate(cfg, map[string]string{
		"deny-all": `policy "deny-all" { rule "deny" { when true then deny } }`,
	})

	d := gate.EvaluatePre(context.Background(), uuid.New(), "/v1/execute", nil, nil)
	assert.True(t, d.Allowed)
}

func TestShouldSkip(t *testing.T) {
	gate, _ := newPolicyGate(DefaultPolicyConfig(), nil)
	assert.True(t, gate.ShouldSkip("/health"))
	assert.True(t, gate.ShouldSkip("/metrics"))
	assert.True(t, gate.ShouldSkip("/docs/index.html"))
	assert.False(t, gate.ShouldSkip("/v1/execute"))
}

func TestProcessResponseRedactsAndRaisesAlert(t *testing.T) {
	gate, violations := newPolicyGate(DefaultPolicyConfig(), map[string]string{
		"pii": `policy "pii" {
			rule "ssn-exposure" {
				when "ssn" in data.response
				then {
					redact(field = "ssn")
					alert(message = "SSN present in response", severity = "high")
				}
			}
		}`,
	})
	tenant := uuid.New()
	body, err := json.Marshal(map[string]any{"name": "alice", "ssn": "123-45-6789"})
	require.NoError(t, err)

	out, changed := gate.ProcessResponse(context.Background(), tenant, "/v1/users", body, nil)
	require.True(t, changed)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "alice", decoded["name"])
	assert.Equal(t, DefaultReplacement, decoded["ssn"])

	v := violations.last(t)
	assert.Equal(t, violation.DataExposure, v.Type)
	assert.Equal(t, "SSN present in response", v.Attempted)
	assert.Equal(t, "high", v.Context.Metadata["severity"])
	assert.Equal(t, "pii", v.Context.Metadata["policy_name"])
}

func TestProcessResponsePassesThroughNonJSON(t *testing.T) {
	gate, _ := newPolicyGate(DefaultPolicyConfig(), map[string]string{
		"pii": `policy "pii" { rule "r" { when true then redact(field = "ssn") } }`,
	})

	body := []byte("<html>not json</html>")
	out, changed := gate.ProcessResponse(context.Background(), uuid.New(), "/docs", body, nil)
	assert.False(t, changed)
	assert.Equal(t, body, out)
}

func TestProcessResponseRedactionDisabled(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.RedactionEnabled = false
	gate, _ := newPolicyGate(cfg, map[string]string{
		"pii": `policy "pii" { rule "r" { when true then redact(field = "ssn") } }`,
	})

	body := []byte(`{"ssn":"123-45-6789"}`)
	out, changed := gate.ProcessResponse(context.Background(), uuid.New(), "/v1/users", body, nil)
	assert.False(t, changed)
	assert.Equal(t, body, out)
}

func TestDriftViolationsAdapter(t *testing.T) {
	violations := &memViolationSink{}
	handler := DriftViolations(violations)

	handler(&drift.Alert{
		Type:        drift.ComplianceDegradation,
		Severity:    drift.SeverityHigh,
		PolicyName:  "tool-safety",
		MetricName:  "success_rate",
		DriftPct:    42.5,
		Description: "compliance rate drifted from 0.98 to 0.56",
	})

	v := violations.last(t)
	assert.Equal(t, violation.PolicyDrift, v.Type)
	assert.Equal(t, "system", v.Context.Endpoint)
	assert.Equal(t, "drift_detection_compliance_degradation", v.Context.Metadata["rule_name"])
	assert.Equal(t, "tool-safety", v.Context.Metadata["policy_name"])
	assert.Equal(t, 42.5, v.Context.Metadata["drift_percentage"])
}
