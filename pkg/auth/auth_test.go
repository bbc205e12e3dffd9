package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_ValidSecret(t *testing.T) {
	g := New("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(Header, "s3cret")
	assert.True(t, g.Check(r))
}

func TestCheck_MissingHeader(t *testing.T) {
	g := New("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, g.Check(r))
}

func TestCheck_WrongSecret(t *testing.T) {
	g := New("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(Header, "nope")
	assert.False(t, g.Check(r))
}

func TestMiddleware_RejectsUnauthenticated(t *testing.T) {
	g := New("s3cret")
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_AllowsAuthenticated(t *testing.T) {
	g := New("s3cret")
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	r.Header.Set(Header, "s3cret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
