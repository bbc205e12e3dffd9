// Package cors implements the fleet control plane's CORS policy: a
// preflight OPTIONS request gets a 204 with allow lists and a 24-hour
// max-age only when Origin is in the configured allow set; a
// non-preflight response echoes the Origin and adds Vary: Origin only
// when allowed. Unknown origins receive no CORS headers at all.
package cors

import (
	"net/http"
	"strconv"
	"strings"
)

const maxAgeSeconds = 24 * 60 * 60

var defaultAllowedOrigins = []string{"http://localhost:3000"}

var allowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
var allowedHeaders = []string{"Content-Type", "X-Deploy-Secret"}

// Policy enforces one set of allowed origins.
type Policy struct {
	allowed []string
}

// New builds a Policy from a comma-separated allow-list string. An
// empty or whitespace-only string falls back to the built-in default.
func New(allowListCSV string) *Policy {
	var origins []string
	for _, o := range strings.Split(allowListCSV, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	return &Policy{allowed: origins}
}

func (p *Policy) isAllowed(origin string) bool {
	for _, a := range p.allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// Middleware applies the CORS policy to every request.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && p.isAllowed(origin)

		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAgeSeconds))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		next.ServeHTTP(w, r)
	})
}
