// Package auth implements the deploy-secret check: endpoints that
// require authentication compare the X-Deploy-Secret request header
// against the configured shared secret using a constant-time, fixed-
// length comparison so neither a missing header nor secret length
// leaks anything through timing.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// Header is the name of the deploy-secret request header.
const Header = "X-Deploy-Secret"

// Guard checks the shared secret on incoming requests.
type Guard struct {
	expectedHash [sha256.Size]byte
}

// New builds a Guard for the given shared secret.
func New(sharedSecret string) *Guard {
	return &Guard{expectedHash: sha256.Sum256([]byte(sharedSecret))}
}

// Check reports whether r carries a valid deploy secret.
func (g *Guard) Check(r *http.Request) bool {
	received := r.Header.Get(Header)
	if received == "" {
		return false
	}
	receivedHash := sha256.Sum256([]byte(received))
	return subtle.ConstantTimeCompare(receivedHash[:], g.expectedHash[:]) == 1
}

// Middleware wraps next, rejecting unauthenticated requests with 401.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Check(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
