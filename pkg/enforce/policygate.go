package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/drift"
	"github.com/anumate/enforcement-core/pkg/policy"
	"github.com/anumate/enforcement-core/pkg/violation"
)

// PolicyConfig tunes policy enforcement around the request cycle.
type PolicyConfig struct {
	Enabled          bool
	FailOpen         bool
	RedactionEnabled bool
	SkipPaths        []string
}

// DefaultPolicyConfig enables enforcement and redaction, fail-closed,
// skipping the operational endpoints.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Enabled:          true,
		RedactionEnabled: true,
		SkipPaths:        []string{"/health", "/metrics", "/docs", "/openapi.json", "/favicon.ico"},
	}
}

// PolicyLoader returns the current policy set as name -> source.
type PolicyLoader func(ctx context.Context) (map[string]string, error)

// PolicyDecision is the outcome of pre-request policy evaluation.
type PolicyDecision struct {
	Allowed     bool
	StatusCode  int
	Code        string // POLICY_VIOLATION or POLICY_SYSTEM_ERROR
	PolicyName  string
	ViolationID uuid.UUID
}

// PolicyGate evaluates the loaded policies before a request is served
// and filters the response afterwards. Compilation is memoized by the
// policy engine.
type PolicyGate struct {
	cfg        PolicyConfig
	engine     *policy.Engine
	load       PolicyLoader
	violations ViolationSink
	logger     *slog.Logger
}

func NewPolicyGate(cfg PolicyConfig, engine *policy.Engine, load PolicyLoader, violations ViolationSink) *PolicyGate {
	if engine == nil {
		engine = policy.NewEngine()
	}
	return &PolicyGate{
		cfg:        cfg,
		engine:     engine,
		load:       load,
		violations: violations,
		logger:     slog.Default().With("component", "policy-enforcement"),
	}
}

// ShouldSkip reports whether the path is exempt from policy
// enforcement.
func (pg *PolicyGate) ShouldSkip(path string) bool {
	for _, prefix := range pg.cfg.SkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// EvaluatePre runs every loaded policy against the request context.
// The first deny wins. An evaluation failure denies with
// POLICY_SYSTEM_ERROR unless fail-open is configured.
func (pg *PolicyGate) EvaluatePre(ctx context.Context, tenantID uuid.UUID, resourcePath string, data, evalCtx map[string]any) *PolicyDecision {
	if !pg.cfg.Enabled {
		return &PolicyDecision{Allowed: true, StatusCode: 200}
	}

	policies, err := pg.loadPolicies(ctx)
	if err != nil {
		return pg.systemError(resourcePath, err)
	}

	for _, name := range sortedNames(policies) {
		result, err := pg.engine.Evaluate(name, policies[name], data, evalCtx)
		if err != nil {
			pg.logger.Error("policy evaluation failed", "policy", name, "error", err)
			if pg.cfg.FailOpen {
				continue
			}
			return pg.systemError(resourcePath, err)
		}
		if !result.Allowed {
			id := pg.violations.Log(ctx, tenantID, violation.PolicyViolation,
				"Request denied by policy", nil, nil, violation.Context{
					Endpoint: resourcePath,
					Metadata: map[string]any{
						"policy_name":   name,
						"matched_rules": result.MatchedRules,
					},
				})
			pg.logger.Warn("request denied by policy",
				"policy", name, "resource_path", resourcePath, "violation_id", id)
			return &PolicyDecision{
				Allowed:     false,
				StatusCode:  403,
				Code:        "POLICY_VIOLATION",
				PolicyName:  name,
				ViolationID: id,
			}
		}
		pg.logger.Info("policy evaluation",
			"policy", name, "matched_rules", result.MatchedRules)
	}
	return &PolicyDecision{Allowed: true, StatusCode: 200}
}

// ProcessResponse evaluates the loaded policies against a JSON
// response body, applies any fired redactions and raises DATA_EXPOSURE
// violations for fired alerts. Non-JSON bodies pass through unchanged.
func (pg *PolicyGate) ProcessResponse(ctx context.Context, tenantID uuid.UUID, resourcePath string, body []byte, evalCtx map[string]any) ([]byte, bool) {
	if !pg.cfg.Enabled || !pg.cfg.RedactionEnabled || len(body) == 0 {
		return body, false
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return body, false
	}

	policies, err := pg.loadPolicies(ctx)
	if err != nil {
		pg.logger.Error("policy load failed during response processing", "error", err)
		return body, false
	}

	data := map[string]any{"response": decoded}
	changed := false
	for _, name := range sortedNames(policies) {
		result, err := pg.engine.Evaluate(name, policies[name], data, evalCtx)
		if err != nil {
			pg.logger.Error("response policy evaluation failed", "policy", name, "error", err)
			continue
		}

		if redactions := RedactionsFrom(result.Actions); len(redactions) > 0 {
			decoded = Apply(decoded, redactions)
			data["response"] = decoded
			changed = true
			pg.logger.Info("response redaction applied",
				"policy", name, "redactions", len(redactions))
		}

		for _, action := range result.Actions {
			if action.Type != policy.ActionAlert {
				continue
			}
			message := paramString(action.Parameters, "message")
			if message == "" {
				message = "Policy alert triggered"
			}
			pg.violations.Log(ctx, tenantID, violation.DataExposure, message,
				nil, nil, violation.Context{
					Endpoint: resourcePath,
					Metadata: map[string]any{
						"policy_name":   name,
						"matched_rules": result.MatchedRules,
						"severity":      paramString(action.Parameters, "severity"),
					},
				})
		}
	}

	if !changed {
		return body, false
	}
	rewritten, err := json.Marshal(decoded)
	if err != nil {
		pg.logger.Error("failed to re-encode redacted response", "error", err)
		return body, false
	}
	return rewritten, true
}

func (pg *PolicyGate) loadPolicies(ctx context.Context) (map[string]string, error) {
	if pg.load == nil {
		return nil, nil
	}
	policies, err := pg.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return policies, nil
}

func (pg *PolicyGate) systemError(resourcePath string, err error) *PolicyDecision {
	pg.logger.Error("policy enforcement system error",
		"resource_path", resourcePath, "error", err)
	return &PolicyDecision{
		Allowed:    false,
		StatusCode: 500,
		Code:       "POLICY_SYSTEM_ERROR",
	}
}

func sortedNames(policies map[string]string) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DriftViolations adapts drift alerts into violation records so policy
// drift shows up in the violation feed alongside request denials.
func DriftViolations(sink ViolationSink) drift.Handler {
	return func(alert *drift.Alert) {
		sink.Log(context.Background(), uuid.Nil, violation.PolicyDrift,
			"Policy drift detected", nil, nil, violation.Context{
				Endpoint: "system",
				Metadata: map[string]any{
					"rule_name":        "drift_detection_" + string(alert.Type),
					"policy_name":      alert.PolicyName,
					"metric_name":      alert.MetricName,
					"drift_percentage": alert.DriftPct,
					"severity":         string(alert.Severity),
					"description":      alert.Description,
				},
			})
	}
}
