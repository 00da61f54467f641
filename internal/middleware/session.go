// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const (
	identityKey ctxKey = "identity"
	tokenKey    ctxKey = "token"
)

// SessionValidator resolves a bearer access token to the identity owning it.
type SessionValidator interface {
	IdentityForToken(ctx context.Context, accessToken string) (string, error)
}

// SessionAuth enforces a valid bearer token.
//
// On success the identity ID and the raw token are stored in the request
// context; see GetIdentityIDFromContext and GetTokenFromContext.
func SessionAuth(v SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			identityID, err := v.IdentityForToken(r.Context(), token)
			if err != nil || identityID == "" {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identityID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetIdentityIDFromContext extracts the authenticated identity ID from the
// request context. Returns an empty string if not found.
func GetIdentityIDFromContext(ctx context.Context) string {
	val := ctx.Value(identityKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// GetTokenFromContext extracts the bearer token accepted by SessionAuth.
func GetTokenFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(tokenKey).(string); ok {
		return s
	}
	return ""
}
