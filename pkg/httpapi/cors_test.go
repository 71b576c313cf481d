package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	h := CORS([]string{"https://app.anumate.io"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/captokens", nil)
	req.Header.Set("Origin", "https://app.anumate.io")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.anumate.io", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSOmitsHeaderForUnlistedOrigin(t *testing.T) {
	h := CORS([]string{"https://app.anumate.io"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/captokens", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSEmptyListAllowsAll(t *testing.T) {
	h := CORS(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	h := CORS(nil)(next)

	req := httptest.NewRequest(http.MethodOptions, "/v1/captokens", nil)
	req.Header.Set("Origin", "https://app.anumate.io")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRestrictHosts(t *testing.T) {
	h := RestrictHosts([]string{"api.anumate.io"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "api.anumate.io:8080"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "spoofed.example"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestrictHostsEmptyListPassesThrough(t *testing.T) {
	h := RestrictHosts(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "whatever.example"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
