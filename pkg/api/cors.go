package api

import (
	"net/http"
	"strings"
)

// CORS headers advertised on every bridge response.
const (
	corsMethods = "POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Request-ID, x-admin-sig, x-admin-ts"
)

// SetCORSHeaders writes the Access-Control-Allow-* headers for origin.
// An empty allowed list means any origin.
func SetCORSHeaders(h http.Header, origin string, allowed []string) {
	switch {
	case len(allowed) == 0:
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && isOriginAllowed(origin, allowed):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
	h.Set("Access-Control-Max-Age", "86400")
}

// CORSMiddleware decorates responses with CORS headers and answers preflight
// requests with 200.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetCORSHeaders(w.Header(), r.Header.Get("Origin"), allowedOrigins)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ParseOrigins splits a comma-separated origin list. "*" yields nil (any).
func ParseOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		o := strings.TrimSpace(part)
		if o == "" {
			continue
		}
		if o == "*" {
			return nil
		}
		out = append(out, o)
	}
	return out
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
