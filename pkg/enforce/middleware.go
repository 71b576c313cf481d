package enforce

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/violation"
)

type decisionKey struct{}

// DecisionFrom returns the gate decision attached to the request
// context by the middleware, if any.
func DecisionFrom(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(*Decision)
	return d, ok
}

// Middleware gates an endpoint with the given capability requirements.
// The bearer token comes from the Authorization header, the tenant
// from X-Tenant-Id. The allowed decision is attached to the request
// context for handlers that need the subject or matched rules.
func (g *Gate) Middleware(required []string, tool, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			vctx := violation.Context{
				Endpoint:   r.URL.Path,
				HTTPMethod: r.Method,
				ClientIP:   clientIP(r),
				UserAgent:  r.Header.Get("User-Agent"),
			}

			tenantID, ok := tenantFrom(r)
			if !ok {
				id := g.violations.Log(r.Context(), uuid.Nil, violation.MalformedRequest,
					attemptedAction(tool, action), required, nil, vctx)
				writeDenial(w, http.StatusBadRequest, "X-Tenant-Id header required", id)
				return
			}

			decision := g.Enforce(r.Context(), Request{
				Token:                bearerToken(r),
				TenantID:             tenantID,
				RequiredCapabilities: required,
				Tool:                 tool,
				Action:               action,
				Context:              vctx,
			})
			if !decision.Allowed {
				writeDenial(w, decision.StatusCode, decision.Reason, decision.ViolationID)
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), decisionKey{}, decision)))
		})
	}
}

func tenantFrom(r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Tenant-Id")
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// clientIP prefers forwarding headers over the socket peer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeDenial(w http.ResponseWriter, status int, detail string, violationID uuid.UUID) {
	body := map[string]any{
		"type":   "about:blank",
		"status": status,
		"title":  http.StatusText(status),
		"detail": detail,
	}
	if violationID != uuid.Nil {
		body["violation_id"] = violationID.String()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
