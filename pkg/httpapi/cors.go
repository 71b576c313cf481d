package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// CORS handles cross-origin requests. An empty origin list allows all
// origins, which is the development default.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-Id, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// RestrictHosts rejects requests whose Host header is not in the
// allowed list. An empty list disables the check.
func RestrictHosts(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(allowedHosts) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			for _, a := range allowedHosts {
				if a == "*" || strings.EqualFold(a, host) {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteBadRequest(w, "invalid host header")
		})
	}
}
