package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/aobridge/pkg/api"
)

// Middleware enforces policy per client address. Preflight requests are never
// counted. Store errors fail open so a Redis outage does not take the bridge
// down with it.
func Middleware(store Store, policy Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if store == nil || !policy.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientID(r)
			allowed, err := store.Allow(r.Context(), client, policy)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					"client", client, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				logger.InfoContext(r.Context(), "rate limit exceeded", "client", client, "path", r.URL.Path)
				api.WriteTooManyRequests(w, policy.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientID is the remote IP of r without its port.
func ClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
