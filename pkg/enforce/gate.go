// Package enforce is the capability gate in front of tool access: it
// verifies the bearer token, intersects its capabilities with the
// endpoint's requirements, consults the tool allow-list, rate-limits
// per tenant, records usage on success and violations on denial. The
// gate is fail-closed unless a deployment opts into fail-open.
package enforce

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/token"
	"github.com/anumate/enforcement-core/pkg/usage"
	"github.com/anumate/enforcement-core/pkg/violation"
)

// TokenVerifier verifies a bearer token for a tenant. *token.Service
// satisfies this.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string, tenantID uuid.UUID, clientIP string) (*token.VerifyResult, error)
}

// CapabilityChecker consults the tool allow-list. *capability.Checker
// satisfies this.
type CapabilityChecker interface {
	Check(ctx context.Context, req capability.CheckRequest) (*capability.CheckResult, error)
}

// ViolationSink records denials. *violation.Logger satisfies this.
type ViolationSink interface {
	Log(ctx context.Context, tenantID uuid.UUID, t violation.Type, attemptedAction string, required, provided []string, vctx violation.Context) uuid.UUID
}

// UsageSink records successful gated calls. *usage.Tracker satisfies
// this.
type UsageSink interface {
	Track(ctx context.Context, tenantID uuid.UUID, tokenID, action string, capabilities []string, success bool, uctx usage.Context) uuid.UUID
}

// Config tunes the gate.
type Config struct {
	// FailOpen lets requests through when the gate itself errors.
	// Denials by rule are unaffected. Default is fail-closed.
	FailOpen bool

	// RatePerSecond and Burst bound each tenant's request rate.
	// Zero disables rate limiting.
	RatePerSecond float64
	Burst         int
}

// Request is one gated call.
type Request struct {
	Token    string
	TenantID uuid.UUID

	RequiredCapabilities []string
	Tool                 string
	Action               string

	Context violation.Context
}

// Decision is the gate's verdict on a request.
type Decision struct {
	Allowed    bool
	StatusCode int
	Reason     string

	ViolationID uuid.UUID

	TokenID      string
	Subject      string
	Capabilities []string
	MatchedRules []capability.MatchedRule
}

// Gate runs the enforcement sequence.
type Gate struct {
	cfg        Config
	verifier   TokenVerifier
	checker    CapabilityChecker
	violations ViolationSink
	usage      UsageSink
	limiter    *tenantLimiter
	logger     *slog.Logger
	now        func() time.Time
}

func NewGate(cfg Config, verifier TokenVerifier, checker CapabilityChecker, violations ViolationSink, usageSink UsageSink) *Gate {
	g := &Gate{
		cfg:        cfg,
		verifier:   verifier,
		checker:    checker,
		violations: violations,
		usage:      usageSink,
		logger:     slog.Default().With("component", "enforcement"),
		now:        time.Now,
	}
	if cfg.RatePerSecond > 0 {
		g.limiter = newTenantLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	return g
}

// WithClock overrides the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Enforce runs the gate: rate limit, token verification, capability
// intersection, allow-list check, usage tracking. Every denial is
// logged as a violation before the decision is returned.
func (g *Gate) Enforce(ctx context.Context, req Request) *Decision {
	started := g.now()
	attempted := attemptedAction(req.Tool, req.Action)

	if g.limiter != nil && !g.limiter.allow(req.TenantID) {
		id := g.violations.Log(ctx, req.TenantID, violation.RateLimitExceeded,
			attempted, req.RequiredCapabilities, nil, req.Context)
		return &Decision{
			Allowed: false, StatusCode: 429,
			Reason:      "Rate limit exceeded",
			ViolationID: id,
		}
	}

	if req.Token == "" {
		id := g.violations.Log(ctx, req.TenantID, violation.InvalidToken,
			attempted, req.RequiredCapabilities, nil, req.Context)
		return &Decision{
			Allowed: false, StatusCode: 401,
			Reason:      "Authorization token required",
			ViolationID: id,
		}
	}

	verified, err := g.verifier.Verify(ctx, req.Token, req.TenantID, req.Context.ClientIP)
	if err != nil {
		return g.internalError(ctx, req, attempted, err)
	}
	if !verified.Valid {
		vtype := violation.InvalidToken
		if strings.Contains(verified.Error, "expired") {
			vtype = violation.ExpiredToken
		}
		id := g.violations.Log(ctx, req.TenantID, vtype,
			attempted, req.RequiredCapabilities, nil, req.Context)
		return &Decision{
			Allowed: false, StatusCode: 401,
			Reason:      "Invalid or expired token",
			ViolationID: id,
		}
	}

	tokenID := payloadString(verified.Payload, "jti")
	subject := payloadString(verified.Payload, "sub")
	caps := payloadStrings(verified.Payload, "cap")

	vctx := req.Context
	vctx.TokenID = tokenID
	vctx.Subject = subject

	if len(req.RequiredCapabilities) > 0 && !intersects(caps, req.RequiredCapabilities) {
		id := g.violations.Log(ctx, req.TenantID, violation.InsufficientCapability,
			attempted, req.RequiredCapabilities, caps, vctx)
		return &Decision{
			Allowed: false, StatusCode: 403,
			Reason:      "Insufficient capabilities. Required: " + strings.Join(req.RequiredCapabilities, ", "),
			ViolationID: id,
			TokenID:     tokenID, Subject: subject,
		}
	}

	check, err := g.checker.Check(ctx, capability.CheckRequest{
		TenantID:     req.TenantID,
		Capabilities: caps,
		Tool:         req.Tool,
		Action:       req.Action,
	})
	if err != nil {
		return g.internalError(ctx, req, attempted, err)
	}
	if !check.Allowed {
		id := g.violations.Log(ctx, req.TenantID, violation.ToolBlocked,
			attempted, check.RequiredCapabilities, caps, vctx)
		return &Decision{
			Allowed: false, StatusCode: 403,
			Reason:      "Access to tool '" + req.Tool + "' denied by capability rules",
			ViolationID: id,
			TokenID:     tokenID, Subject: subject,
		}
	}

	elapsed := g.now().Sub(started)
	g.usage.Track(ctx, req.TenantID, tokenID, attempted, caps, true, usage.Context{
		Endpoint:       req.Context.Endpoint,
		HTTPMethod:     req.Context.HTTPMethod,
		ClientIP:       req.Context.ClientIP,
		UserAgent:      req.Context.UserAgent,
		ResponseTimeMS: elapsed.Milliseconds(),
		Metadata: map[string]any{
			"matched_rules":         len(check.MatchedRules),
			"required_capabilities": req.RequiredCapabilities,
		},
	})

	g.logger.Info("capability check passed",
		"tenant_id", req.TenantID,
		"token_id", tokenID,
		"subject", subject,
		"tool", req.Tool,
		"action", req.Action,
		"response_time_ms", elapsed.Milliseconds())

	return &Decision{
		Allowed:      true,
		StatusCode:   200,
		TokenID:      tokenID,
		Subject:      subject,
		Capabilities: caps,
		MatchedRules: check.MatchedRules,
	}
}

// internalError applies the fail-open/fail-closed choice when the gate
// itself breaks.
func (g *Gate) internalError(ctx context.Context, req Request, attempted string, err error) *Decision {
	g.logger.Error("capability enforcement failed", "tool", req.Tool, "error", err)
	if g.cfg.FailOpen {
		g.logger.Warn("fail-open: allowing request despite enforcement error",
			"tenant_id", req.TenantID, "tool", req.Tool)
		return &Decision{Allowed: true, StatusCode: 200}
	}
	vctx := req.Context
	if vctx.Metadata == nil {
		vctx.Metadata = map[string]any{}
	}
	vctx.Metadata["reason"] = "Internal error: " + err.Error()
	id := g.violations.Log(ctx, req.TenantID, violation.MalformedRequest,
		attempted, req.RequiredCapabilities, nil, vctx)
	return &Decision{
		Allowed: false, StatusCode: 500,
		Reason:      "Internal error during capability check",
		ViolationID: id,
	}
}

func attemptedAction(tool, action string) string {
	if action != "" {
		return "Access to " + tool + "." + action
	}
	return "Access to " + tool
}

func intersects(provided, required []string) bool {
	set := make(map[string]struct{}, len(provided))
	for _, c := range provided {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
