package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TenantHeader carries the calling tenant on every /v1 request.
const TenantHeader = "X-Tenant-Id"

type tenantKey struct{}

// TenantFrom returns the tenant id placed on the context by
// RequireTenant.
func TenantFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantKey{}).(uuid.UUID)
	return id, ok
}

// RequireTenant rejects requests without a valid X-Tenant-Id header and
// stores the parsed tenant on the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			WriteBadRequest(w, "X-Tenant-Id header is required")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil || tenantID == uuid.Nil {
			WriteBadRequest(w, "X-Tenant-Id must be a valid UUID")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP extracts the caller address, preferring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
