package middleware

import (
	"context"
	"net/http"
)

// Identity is what a guard learned about the caller.
type Identity struct {
	SessionID string
	UserID    string
	Name      string
	Email     string
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Identify(r *http.Request) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (*Identity, error)

// Identify implements Authenticator.
func (f AuthenticatorFunc) Identify(r *http.Request) (*Identity, error) {
	return f(r)
}

type identityContextKey struct{}

// IdentityFromContext returns the identity a guard stored in ctx.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// Guard returns middleware that answers 401 unless auth identifies the caller.
func Guard(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			id, err := auth.Identify(r)
			if err != nil || id == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
