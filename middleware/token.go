package middleware

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/goAuthSync/backend"
	"github.com/MrEthical07/goAuthSync/jwt"
)

var errNoToken = errors.New("no session token")

// RequireToken accepts any request with a valid signed session token. A signed-out
// session stays accepted until its token expires; use [RequireSession] where that
// matters.
func RequireToken(m *jwt.Manager) func(http.Handler) http.Handler {
	return Guard(AuthenticatorFunc(func(r *http.Request) (*Identity, error) {
		if m == nil {
			return nil, errNoToken
		}
		c, err := r.Cookie(backend.SessionCookie)
		if err != nil || c.Value == "" {
			return nil, errNoToken
		}
		claims, err := m.Parse(c.Value)
		if err != nil {
			return nil, err
		}
		return &Identity{SessionID: claims.SID, UserID: claims.UID}, nil
	}))
}

// RequireSession accepts requests whose session record still exists.
func RequireSession(srv *backend.Server) func(http.Handler) http.Handler {
	return Guard(AuthenticatorFunc(func(r *http.Request) (*Identity, error) {
		if srv == nil {
			return nil, errNoToken
		}
		rec, err := srv.Authenticate(r)
		if err != nil {
			return nil, err
		}
		return &Identity{SessionID: rec.ID, UserID: rec.UserID, Name: rec.Name, Email: rec.Email}, nil
	}))
}
