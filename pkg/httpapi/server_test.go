package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/token"
	"github.com/anumate/enforcement-core/pkg/usage"
	"github.com/anumate/enforcement-core/pkg/violation"
)

var testTenant = uuid.MustParse("4f9d2f3a-7c1e-4b8a-9d6f-1a2b3c4d5e6f")

type fakeTokens struct {
	issueReq  *token.IssueRequest
	issueRes  *token.IssueResult
	issueErr  error
	verifyRes *token.VerifyResult
	verifyErr error
	refreshed *token.RefreshResult
	refErr    error
}

func (f *fakeTokens) Issue(_ context.Context, req token.IssueRequest) (*token.IssueResult, error) {
	f.issueReq = &req
	return f.issueRes, f.issueErr
}

func (f *fakeTokens) Verify(context.Context, string, uuid.UUID, string) (*token.VerifyResult, error) {
	return f.verifyRes, f.verifyErr
}

func (f *fakeTokens) Refresh(context.Context, string, uuid.UUID, time.Duration, string) (*token.RefreshResult, error) {
	return f.refreshed, f.refErr
}

type fakeChecker struct {
	checkRes *capability.CheckResult
	checkErr error
	added    []*capability.Rule
	addErr   error
	seeded   int
	seedErr  error
}

func (f *fakeChecker) Check(context.Context, capability.CheckRequest) (*capability.CheckResult, error) {
	return f.checkRes, f.checkErr
}

func (f *fakeChecker) AddRule(_ context.Context, r *capability.Rule) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, r)
	return nil
}

func (f *fakeChecker) SeedDefaults(context.Context, uuid.UUID) (int, error) {
	return f.seeded, f.seedErr
}

type fakeRules struct {
	rules []capability.Rule
	err   error
}

func (f *fakeRules) List(context.Context, uuid.UUID) ([]capability.Rule, error) {
	return f.rules, f.err
}

type loggedViolation struct {
	t         violation.Type
	attempted string
	required  []string
	provided  []string
	vctx      violation.Context
}

type fakeViolations struct {
	logged  []loggedViolation
	list    []violation.Violation
	listErr error
	stats   *violation.Stats
}

func (f *fakeViolations) Log(_ context.Context, _ uuid.UUID, t violation.Type, attempted string, required, provided []string, vctx violation.Context) uuid.UUID {
	f.logged = append(f.logged, loggedViolation{t, attempted, required, provided, vctx})
	return uuid.New()
}

func (f *fakeViolations) List(context.Context, uuid.UUID, violation.ListFilter) ([]violation.Violation, error) {
	return f.list, f.listErr
}

func (f *fakeViolations) Stats(_ context.Context, _ uuid.UUID, hours int) (*violation.Stats, error) {
	if f.stats != nil {
		f.stats.PeriodHours = hours
	}
	return f.stats, nil
}

type fakeUsage struct {
	hours   int
	tokenID string
	stats   *usage.Stats
}

func (f *fakeUsage) Stats(_ context.Context, _ uuid.UUID, hours int, tokenID string) (*usage.Stats, error) {
	f.hours = hours
	f.tokenID = tokenID
	return f.stats, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type harness struct {
	tokens     *fakeTokens
	checker    *fakeChecker
	rules      *fakeRules
	violations *fakeViolations
	usage      *fakeUsage
	db         *fakePinger
	handler    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tokens:     &fakeTokens{},
		checker:    &fakeChecker{},
		rules:      &fakeRules{},
		violations: &fakeViolations{},
		usage:      &fakeUsage{stats: &usage.Stats{}},
		db:         &fakePinger{},
	}
	h.handler = NewServer(h.tokens, h.checker, h.rules, h.violations, h.usage, h.db, "1.2.3").Routes()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, tenant bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:41000"
	if tenant {
		req.Header.Set(TenantHeader, testTenant.String())
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRequireTenant(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/captokens/verify", map[string]any{"token": "x"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "X-Tenant-Id header is required")

	req := httptest.NewRequest(http.MethodPost, "/v1/captokens/verify", bytes.NewBufferString(`{"token":"x"}`))
	req.Header.Set(TenantHeader, "not-a-uuid")
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "valid UUID")
}

func TestIssueHappyPath(t *testing.T) {
	h := newHarness(t)
	h.tokens.issueRes = &token.IssueResult{
		Token:        "jwt-string",
		TokenID:      uuid.New(),
		Subject:      "svc-a",
		Capabilities: []string{"plan_execution"},
	}

	rec := h.do(t, http.MethodPost, "/v1/captokens", map[string]any{
		"subject":      "svc-a",
		"capabilities": []string{"plan_execution"},
		"ttl_seconds":  60,
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "jwt-string", body["token"])
	assert.Equal(t, "svc-a", body["subject"])

	require.NotNil(t, h.tokens.issueReq)
	assert.Equal(t, testTenant, h.tokens.issueReq.TenantID)
	assert.Equal(t, 60*time.Second, h.tokens.issueReq.TTL)
	assert.Equal(t, "203.0.113.9", h.tokens.issueReq.ClientIP)
}

func TestIssueValidationError(t *testing.T) {
	h := newHarness(t)
	h.tokens.issueErr = fmt.Errorf("%w: subject must be 1-255 characters", token.ErrValidation)

	rec := h.do(t, http.MethodPost, "/v1/captokens", map[string]any{"subject": ""}, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "subject must be 1-255 characters")
}

func TestIssueInternalError(t *testing.T) {
	h := newHarness(t)
	h.tokens.issueErr = errors.New("db offline")

	rec := h.do(t, http.MethodPost, "/v1/captokens", map[string]any{"subject": "x"}, true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db offline", "internal detail must not leak")
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	h.tokens.verifyRes = &token.VerifyResult{Valid: true, Payload: map[string]any{"sub": "svc-a"}}

	rec := h.do(t, http.MethodPost, "/v1/captokens/verify", map[string]any{"token": "jwt"}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])

	rec = h.do(t, http.MethodPost, "/v1/captokens/verify", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRejectedTokenIs400(t *testing.T) {
	h := newHarness(t)
	h.tokens.refErr = fmt.Errorf("%w: refresh rejected: Token has expired", token.ErrValidation)

	rec := h.do(t, http.MethodPost, "/v1/captokens/refresh", map[string]any{"token": "jwt", "extend_ttl": 60}, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token has expired")
}

func TestCreateRuleDefaults(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/capabilities/rules", map[string]any{
		"capability_name": "payments.execute",
		"tool_pattern":    "payment_gateway",
	}, true)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, h.checker.added, 1)
	rule := h.checker.added[0]
	assert.Equal(t, testTenant, rule.TenantID)
	assert.Equal(t, capability.RuleAllow, rule.RuleType)
	assert.Equal(t, capability.PatternExact, rule.PatternType)
	assert.Equal(t, 100, rule.Priority)
	assert.True(t, rule.IsActive)
}

func TestCreateRuleDuplicate(t *testing.T) {
	h := newHarness(t)
	h.checker.addErr = fmt.Errorf("insert: %w", capability.ErrDuplicateRule)

	rec := h.do(t, http.MethodPost, "/v1/capabilities/rules", map[string]any{
		"capability_name": "read",
		"tool_pattern":    "*",
	}, true)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRuleInvalidType(t *testing.T) {
	h := newHarness(t)
	h.checker.addErr = errors.New(`invalid rule_type "maybe"`)

	rec := h.do(t, http.MethodPost, "/v1/capabilities/rules", map[string]any{
		"capability_name": "read",
		"tool_pattern":    "*",
		"rule_type":       "maybe",
	}, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRulesEmpty(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/capabilities/rules", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.NotNil(t, body["rules"])
}

func TestListViolations(t *testing.T) {
	h := newHarness(t)
	h.violations.list = []violation.Violation{{ViolationID: uuid.New(), Type: violation.ToolBlocked}}

	rec := h.do(t, http.MethodGet, "/v1/capabilities/violations?severity=high&limit=10", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestViolationStatsDefaultWindow(t *testing.T) {
	h := newHarness(t)
	h.violations.stats = &violation.Stats{TotalViolations: 3}

	rec := h.do(t, http.MethodGet, "/v1/capabilities/violations/stats", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, h.violations.stats.PeriodHours)
}

func TestUsageStatsParams(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/capabilities/usage/stats?hours=48&token_id=tok-1", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48, h.usage.hours)
	assert.Equal(t, "tok-1", h.usage.tokenID)
}

func TestCheckAllowed(t *testing.T) {
	h := newHarness(t)
	h.checker.checkRes = &capability.CheckResult{Allowed: true, MatchedRules: []capability.MatchedRule{{}}}

	rec := h.do(t, http.MethodPost, "/v1/capabilities/check", map[string]any{
		"capabilities": []string{"admin"},
		"tool":         "orchestrator.run",
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Empty(t, h.violations.logged, "allowed checks record no violation")
}

func TestCheckDeniedLogsViolation(t *testing.T) {
	h := newHarness(t)
	h.checker.checkRes = &capability.CheckResult{
		Allowed:              false,
		ViolationReason:      "access denied by capability rules",
		RequiredCapabilities: []string{"payments.execute"},
	}

	rec := h.do(t, http.MethodPost, "/v1/capabilities/check", map[string]any{
		"capabilities": []string{"read"},
		"tool":         "payment_gateway",
		"action":       "charge",
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.violations.logged, 1)
	logged := h.violations.logged[0]
	assert.Equal(t, violation.InsufficientCapability, logged.t)
	assert.Equal(t, "payment_gateway:charge", logged.attempted)
	assert.Equal(t, []string{"payments.execute"}, logged.required)
	assert.Equal(t, []string{"read"}, logged.provided)
	assert.Equal(t, "203.0.113.9", logged.vctx.ClientIP)
}

func TestCheckRequiresTool(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/capabilities/check", map[string]any{
		"capabilities": []string{"read"},
	}, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)
	h.checker.seeded = 5

	rec := h.do(t, http.MethodPost, "/v1/capabilities/initialize", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Initialized 5 default capability rules", body["message"])
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "connected", body["database"])

	h.db.err = errors.New("connection refused")
	rec = h.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["database"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	t.Cleanup(rl.Close)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "198.51.100.7:9000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	// A different client gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.8:9000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "5", func() string {
		r2 := httptest.NewRequest(http.MethodGet, "/health", nil)
		r2.RemoteAddr = "198.51.100.7:9000"
		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, r2)
		return rec2.Header().Get("Retry-After")
	}())
}
