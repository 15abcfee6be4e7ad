package goAuthSync

import (
	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/store"
)

// Session is the opaque session payload. See [store.Session].
type Session = store.Session

// User is the identity block of a session.
type User = store.User

// Status is the resolution state of a context's session.
type Status = store.Status

const (
	StatusPending         = store.StatusPending
	StatusAuthenticated   = store.StatusAuthenticated
	StatusUnauthenticated = store.StatusUnauthenticated
)

// Provider is one sign-in provider advertised by the backend.
type Provider = endpoint.Provider

// SessionState is what consumers observe: the cached session and its status.
//
// Session is a private copy; mutating it does not affect the cache.
type SessionState struct {
	Session *Session `json:"session"`
	Status  Status   `json:"status"`
}

// Authenticated reports whether a session is present.
func (s SessionState) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Session != nil
}

// Listener receives every state change of a Client, in subscription order.
type Listener func(prev, next SessionState)

// Navigator performs redirects on behalf of the client. In a browser it would set
// the location; in a CLI it might print or open the URL.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(target string)

// Navigate calls f(target).
func (f NavigatorFunc) Navigate(target string) { f(target) }

// SignInOptions tunes SignIn.
type SignInOptions struct {
	// CallbackURL is where the backend sends the user after signing in. Defaults to
	// Config.Endpoint.BaseURL.
	CallbackURL string
	// Redirect navigates to the resulting URL. Providers that cannot complete without
	// leaving the page (OAuth) always navigate.
	Redirect bool
	// Fields are posted to the provider, e.g. username and password for credentials.
	Fields map[string]string
}

// SignInResult reports the outcome of a sign-in that did not leave the page.
type SignInResult struct {
	// Error is the backend's error code (e.g. CredentialsSignin). Empty on success.
	Error  string `json:"error,omitempty"`
	Status int    `json:"status"`
	OK     bool   `json:"ok"`
	// URL is the backend's redirect target. Empty when Error is set.
	URL string `json:"url,omitempty"`
}

// SignOutOptions tunes SignOut.
type SignOutOptions struct {
	CallbackURL string
	Redirect    bool
}

// SignOutResult carries the backend's post-sign-out URL.
type SignOutResult struct {
	URL string `json:"url"`
}
