// Package middleware extracts the caller's identity from trusted
// reverse-proxy headers and enforces it on protected routes.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller as asserted by the fronting
// proxy. The controller never authenticates users itself.
type Principal struct {
	ID     string
	Groups []string
	Admin  bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// FromRequest reads the identity headers. The second return is false
// when no user header is present.
func FromRequest(r *http.Request) (Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(config.Cfg.UserHeader))
	if id == "" {
		return Principal{}, false
	}

	var groups []string
	if raw := r.Header.Get(config.Cfg.GroupsHeader); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
	}

	return Principal{
		ID:     id,
		Groups: groups,
		Admin:  isAdmin(groups),
	}, true
}

func isAdmin(groups []string) bool {
	for _, g := range groups {
		for _, admin := range config.Cfg.AdminGroups {
			if strings.EqualFold(g, admin) {
				return true
			}
		}
	}
	return false
}

// RequireAuth rejects requests that carry no identity headers.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := FromRequest(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards admin-only routes. It must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := GetPrincipal(r)
		if !ok || !principal.Admin {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin privileges required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPrincipal returns the principal stored by RequireAuth.
func GetPrincipal(r *http.Request) (Principal, bool) {
	principal, ok := r.Context().Value(principalContextKey).(Principal)
	return principal, ok
}
