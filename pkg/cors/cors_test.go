package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestMiddleware_PreflightAllowedOrigin(t *testing.T) {
	p := New("https://app.example.com")
	r := httptest.NewRequest(http.MethodOptions, "/deploy", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()

	p.Middleware(noopHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestMiddleware_PreflightUnknownOrigin(t *testing.T) {
	p := New("https://app.example.com")
	r := httptest.NewRequest(http.MethodOptions, "/deploy", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()

	p.Middleware(noopHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_NonPreflightEchoesAllowedOrigin(t *testing.T) {
	p := New("https://app.example.com")
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()

	p.Middleware(noopHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestNew_EmptyAllowListFallsBackToDefault(t *testing.T) {
	p := New("   ")
	assert.Equal(t, defaultAllowedOrigins, p.allowed)
}
