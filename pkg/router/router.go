// Package router implements the control plane's HTTP routing: method
// plus path-prefix matching, with path parameters extracted by
// splitting on "/" rather than a regex or third-party router —
// the same small hand-rolled shape the rest of this codebase uses for
// its dispatch tables. Unknown paths get a 404 with a small JSON body.
package router

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Params are the path segments captured by a route's `:name` elements.
type Params map[string]string

// HandlerFunc is a route handler that receives extracted path params.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, params Params)

type route struct {
	method  string
	segments []string // a trailing "*" segment is the wildcard tail
	handler HandlerFunc
}

// Router is a small method+path-prefix dispatcher.
type Router struct {
	routes []route
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Handle registers a handler for method and pattern. Pattern segments
// starting with ":" bind a path parameter; a trailing "*" segment
// matches the remainder of the path and is bound to the "*" param.
func (rt *Router) Handle(method, pattern string, handler HandlerFunc) {
	rt.routes = append(rt.routes, route{
		method:   method,
		segments: splitPath(pattern),
		handler:  handler,
	})
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (rt *Router) match(method string, segments []string) (HandlerFunc, Params, bool) {
	for _, rte := range rt.routes {
		if rte.method != method {
			continue
		}
		params, ok := matchSegments(rte.segments, segments)
		if ok {
			return rte.handler, params, true
		}
	}
	return nil, nil, false
}

func matchSegments(pattern, actual []string) (Params, bool) {
	params := Params{}
	for i, seg := range pattern {
		if seg == "*" {
			params["*"] = strings.Join(actual[i:], "/")
			return params, true
		}
		if i >= len(actual) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = actual[i]
			continue
		}
		if seg != actual[i] {
			return nil, false
		}
	}
	if len(pattern) != len(actual) {
		return nil, false
	}
	return params, true
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	handler, params, ok := rt.match(r.Method, segments)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	handler(w, r, params)
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes a {"error": message} JSON body with the given
// status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
