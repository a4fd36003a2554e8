package authcore

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const userContextKey = contextKey("authcore.user")

// UserFromContext returns the authenticated user placed on the request
// context by ExtractUser or RequireUser, or nil when no user is logged in.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userContextKey).(*User)
	return u
}

// ContextWithUser is exposed so tests and non-HTTP callers can prepare a
// context the way the middleware would.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// Middleware authenticates requests from a Bearer header or an auth cookie
// and loads the resolved user into the request context for downstream
// handlers.
type Middleware struct {
	Sessions *Sessions

	AuthTokenHeaderName string
	AuthTokenCookieName string
}

func (m *Middleware) ensureDefaults() {
	if m.AuthTokenHeaderName == "" {
		m.AuthTokenHeaderName = "Authorization"
	}
	if m.AuthTokenCookieName == "" {
		m.AuthTokenCookieName = "authcore_access_token"
	}
}

// ExtractUser resolves the caller if a credential is present and continues
// either way. Handlers that merely personalize when a user exists sit behind
// this; handlers that require one use RequireUser.
func (m *Middleware) ExtractUser(next http.Handler) http.Handler {
	m.ensureDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := m.resolveUser(r); u != nil {
			r = r.WithContext(ContextWithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects the request with a 401 unless a valid credential
// resolves to an active user.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	m.ensureDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := m.resolveUser(r)
		if u == nil {
			writeError(w, ErrAuthentication)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), u)))
	})
}

// RequireRole layers a role check over RequireUser. A logged-in user with
// the wrong role gets a 403 rather than a 401.
func (m *Middleware) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFromContext(r.Context())
			for _, role := range roles {
				if u.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "insufficient role"})
		}))
	}
}

// resolveUser tries every credential the request carries: each value of the
// auth header (with or without the Bearer prefix) and the auth cookie.
func (m *Middleware) resolveUser(r *http.Request) *User {
	var candidates []string
	for _, v := range r.Header.Values(m.AuthTokenHeaderName) {
		candidates = append(candidates, strings.TrimPrefix(v, "Bearer "))
	}
	for _, cookie := range r.CookiesNamed(m.AuthTokenCookieName) {
		if cookie.Value != "" {
			candidates = append(candidates, cookie.Value)
		}
	}

	for _, token := range candidates {
		u, err := m.Sessions.Authenticate(token)
		if err == nil {
			return u
		}
		slog.Debug("rejecting access token", "error", err)
	}
	return nil
}
