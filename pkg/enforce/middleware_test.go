package enforce

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/token"
)

func middlewareHandler(t *testing.T, gate *Gate) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFrom(r.Context())
		require.True(t, ok)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"subject": d.Subject})
	})
	return gate.Middleware([]string{"payments.execute"}, "razorpay", "payment_link")(inner)
}

func TestMiddlewareAllowsAndAttachesDecision(t *testing.T) {
	verifier := &fakeVerifier{result: &token.VerifyResult{Valid: true, Payload: validPayload()}}
	gate, _, _ := testGate(Config{}, verifier, &fakeChecker{result: allowAll()})

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set("Authorization", "Bearer signed.jwt")
	req.Header.Set("X-Tenant-Id", uuid.NewString())
	rec := httptest.NewRecorder()

	middlewareHandler(t, gate).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "agent-7", body["subject"])
}

func TestMiddlewareRequiresTenantHeader(t *testing.T) {
	verifier := &fakeVerifier{result: &token.VerifyResult{Valid: true, Payload: validPayload()}}
	gate, violations, _ := testGate(Config{}, verifier, &fakeChecker{result: allowAll()})

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set("Authorization", "Bearer signed.jwt")
	rec := httptest.NewRecorder()

	middlewareHandler(t, gate).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "X-Tenant-Id header required", body["detail"])
	assert.NotEmpty(t, body["violation_id"])
	assert.Equal(t, uuid.Nil, violations.last(t).TenantID)
}

func TestMiddlewareRejectsMalformedTenantHeader(t *testing.T) {
	verifier := &fakeVerifier{result: &token.VerifyResult{Valid: true, Payload: validPayload()}}
	gate, _, _ := testGate(Config{}, verifier, &fakeChecker{result: allowAll()})

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set("Authorization", "Bearer signed.jwt")
	req.Header.Set("X-Tenant-Id", "not-a-uuid")
	rec := httptest.NewRecorder()

	middlewareHandler(t, gate).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareDeniesWithProblemBody(t *testing.T) {
	verifier := &fakeVerifier{result: &token.VerifyResult{Valid: false, Error: "invalid signature"}}
	gate, _, _ := testGate(Config{}, verifier, &fakeChecker{})

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	req.Header.Set("X-Tenant-Id", uuid.NewString())
	rec := httptest.NewRecorder()

	middlewareHandler(t, gate).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid or expired token", body["detail"])
	assert.Equal(t, float64(401), body["status"])
	assert.NotEmpty(t, body["violation_id"])
}

func TestMiddlewareMissingBearerPrefix(t *testing.T) {
	verifier := &fakeVerifier{}
	gate, _, _ := testGate(Config{}, verifier, &fakeChecker{})

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set("Authorization", "signed.jwt")
	req.Header.Set("X-Tenant-Id", uuid.NewString())
	rec := httptest.NewRecorder()

	middlewareHandler(t, gate).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, verifier.calls, "a non-bearer header is treated as no token")
}

func TestBearerTokenIsCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", bearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
}

func TestClientIPPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4312"
	assert.Equal(t, "10.0.0.9", clientIP(req))

	req.Header.Set("X-Real-IP", "172.16.0.4")
	assert.Equal(t, "172.16.0.4", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 172.16.0.4")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
