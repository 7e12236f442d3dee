// Package middleware provides the HTTP cross-cutting wrappers: bearer-token
// authentication and request instrumentation.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/campusiot/backend/internal/identity"
)

type contextKey string

const sessionKey contextKey = "session"

// SessionFrom extracts the authenticated session placed by Authenticate.
func SessionFrom(ctx context.Context) *identity.Session {
	sess, _ := ctx.Value(sessionKey).(*identity.Session)
	return sess
}

// Authenticate resolves the Authorization bearer token and stores the session
// in the request context. Requests without a valid token get 401.
func Authenticate(ident *identity.Service, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, `{"kind":"Unauthenticated","message":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		sess, err := ident.ResolveSession(r.Context(), token)
		if err != nil {
			http.Error(w, `{"kind":"Unauthenticated","message":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients cannot set headers from browsers; allow query fallback.
	return r.URL.Query().Get("token")
}
