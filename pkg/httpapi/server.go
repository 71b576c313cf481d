package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/token"
	"github.com/anumate/enforcement-core/pkg/usage"
	"github.com/anumate/enforcement-core/pkg/violation"
)

// TokenService is the token lifecycle surface the API mounts.
type TokenService interface {
	Issue(ctx context.Context, req token.IssueRequest) (*token.IssueResult, error)
	Verify(ctx context.Context, tokenString string, tenantID uuid.UUID, clientIP string) (*token.VerifyResult, error)
	Refresh(ctx context.Context, tokenString string, tenantID uuid.UUID, extendTTL time.Duration, clientIP string) (*token.RefreshResult, error)
}

// CapabilityService evaluates and manages allow-list rules.
type CapabilityService interface {
	Check(ctx context.Context, req capability.CheckRequest) (*capability.CheckResult, error)
	AddRule(ctx context.Context, r *capability.Rule) error
	SeedDefaults(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// RuleLister lists a tenant's rules, active or not.
type RuleLister interface {
	List(ctx context.Context, tenantID uuid.UUID) ([]capability.Rule, error)
}

// ViolationService records and reports capability violations.
type ViolationService interface {
	Log(ctx context.Context, tenantID uuid.UUID, t violation.Type, attemptedAction string, required []string, provided []string, vctx violation.Context) uuid.UUID
	List(ctx context.Context, tenantID uuid.UUID, f violation.ListFilter) ([]violation.Violation, error)
	Stats(ctx context.Context, tenantID uuid.UUID, hours int) (*violation.Stats, error)
}

// UsageService reports token usage aggregates.
type UsageService interface {
	Stats(ctx context.Context, tenantID uuid.UUID, hours int, tokenID string) (*usage.Stats, error)
}

// Pinger reports datastore connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	tokens     TokenService
	checker    CapabilityService
	rules      RuleLister
	violations ViolationService
	usage      UsageService
	db         Pinger

	version string
	started time.Time
	logger  *slog.Logger
}

// NewServer wires the API over its services. db may be nil when no
// datastore health probe is wanted.
func NewServer(tokens TokenService, checker CapabilityService, rules RuleLister, violations ViolationService, usageSvc UsageService, db Pinger, version string) *Server {
	return &Server{
		tokens:     tokens,
		checker:    checker,
		rules:      rules,
		violations: violations,
		usage:      usageSvc,
		db:         db,
		version:    version,
		started:    time.Now(),
		logger:     slog.Default().With("component", "httpapi"),
	}
}

// Routes returns the full route table. All /v1 routes require the
// tenant header.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/captokens", s.handleIssue)
	v1.HandleFunc("POST /v1/captokens/verify", s.handleVerify)
	v1.HandleFunc("POST /v1/captokens/refresh", s.handleRefresh)
	v1.HandleFunc("POST /v1/capabilities/rules", s.handleCreateRule)
	v1.HandleFunc("GET /v1/capabilities/rules", s.handleListRules)
	v1.HandleFunc("GET /v1/capabilities/violations", s.handleListViolations)
	v1.HandleFunc("GET /v1/capabilities/violations/stats", s.handleViolationStats)
	v1.HandleFunc("GET /v1/capabilities/usage/stats", s.handleUsageStats)
	v1.HandleFunc("POST /v1/capabilities/check", s.handleCheck)
	v1.HandleFunc("POST /v1/capabilities/initialize", s.handleInitialize)

	mux.Handle("/v1/", RequireTenant(v1))
	return mux
}
