package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/auth"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// clientIP extracts the caller address, preferring the reverse-proxy header.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthMiddleware validates the Bearer API key and stores the derived
// principal on the request context. When mgr is nil auth is disabled and an
// anonymous principal with full permissions is injected.
func AuthMiddleware(mgr *auth.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mgr == nil {
				ctx := auth.WithPrincipal(r.Context(), &core.Principal{Permissions: []string{"*"}})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				logger.Warn("auth: missing token", slog.String("ip", clientIP(r)), slog.String("path", r.URL.Path))
				jsonErrorf(w, core.KindAuth, "authorization required")
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				jsonErrorf(w, core.KindAuth, "invalid authorization format")
				return
			}

			principal, err := mgr.Validate(r.Context(), token, clientIP(r))
			if err != nil {
				logger.Warn("auth: rejected", slog.String("ip", clientIP(r)), slog.String("path", r.URL.Path))
				jsonError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequirePermission gates a route on the principal's permission grammar.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok || !p.HasPermission(perm) {
				jsonErrorf(w, core.KindAuth, "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminMiddleware guards the admin surface with a static bearer token
// compared in constant time. An empty configured token disables the guard.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				jsonErrorf(w, core.KindAuth, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
