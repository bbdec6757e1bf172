// Package auth gates browser and API access: session cookies for people,
// a shared bearer key for tools.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	fluxlog "github.com/mattjoyce/flux/internal/log"
	"github.com/mattjoyce/flux/internal/store"
)

// LoginPath is where unauthenticated browsers are sent.
const LoginPath = "/login"

// UserLookup resolves a user by name.
type UserLookup interface {
	Get(ctx context.Context, name string) (store.User, error)
}

type userKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u store.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user placed by RequireUser.
func UserFromContext(ctx context.Context) (store.User, bool) {
	u, ok := ctx.Value(userKey{}).(store.User)
	return u, ok
}

// ExtractBearerToken returns the token from an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

// ConstantTimeEqual reports whether a and b match. Empty values never match.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RequireUser admits requests carrying a valid session cookie for an
// existing user and redirects everything else to LoginPath.
func RequireUser(sessions *Sessions, users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := sessionUser(r, sessions, users)
			if err != nil {
				fluxlog.WithComponent("auth").Debug("session rejected", "path", r.URL.Path, "error", err)
				http.Redirect(w, r, LoginPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// RequireUserOrKey is RequireUser that also admits a bearer apiKey. A
// request presenting a wrong bearer key gets 401 instead of a redirect.
func RequireUserOrKey(sessions *Sessions, users UserLookup, apiKey string) func(http.Handler) http.Handler {
	gate := RequireUser(sessions, users)
	return func(next http.Handler) http.Handler {
		cookieGate := gate(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				cookieGate.ServeHTTP(w, r)
				return
			}
			token, err := ExtractBearerToken(r)
			if err != nil || !ConstantTimeEqual(token, apiKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sessionUser(r *http.Request, sessions *Sessions, users UserLookup) (store.User, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return store.User{}, err
	}
	name, err := sessions.Parse(c.Value)
	if err != nil {
		return store.User{}, err
	}
	return users.Get(r.Context(), name)
}
