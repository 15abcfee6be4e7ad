package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/internal"
	"github.com/MrEthical07/goAuthSync/internal/rate"
	"github.com/MrEthical07/goAuthSync/jwt"
	"github.com/MrEthical07/goAuthSync/password"
	"github.com/MrEthical07/goAuthSync/session"
	"github.com/MrEthical07/goAuthSync/store"
)

const (
	// SessionCookie names the cookie holding the signed session token.
	SessionCookie = "goauthsync.session-token"
	// CSRFCookie names the double-submit cookie.
	CSRFCookie = "goauthsync.csrf-token"

	credentialsProvider = "credentials"
	defaultBasePath     = "/api/auth"
	maxFormBytes        = 64 << 10
)

// ProviderConfig describes an external provider. Only its authorization URL is used.
type ProviderConfig struct {
	ID           string
	Name         string
	Type         string
	AuthorizeURL string
	ClientID     string
}

// ThrottleConfig bounds failed credential sign-ins.
type ThrottleConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
	PerIP       bool
}

// Options configures a Server.
type Options struct {
	// PublicURL is the origin browsers use, e.g. https://app.example.com. When empty
	// it is derived from each request.
	PublicURL string
	// BasePath prefixes every route. Defaults to /api/auth.
	BasePath string

	Redis     redis.UniversalClient
	Users     UserStore
	Hasher    *password.Hasher
	JWT       jwt.Config
	Session   session.Config
	Throttle  ThrottleConfig
	Providers []ProviderConfig

	// CSRFSecret signs the double-submit cookie. At least 32 bytes.
	CSRFSecret    []byte
	SecureCookies bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Server serves the session surface. It is an http.Handler.
type Server struct {
	opts      Options
	basePath  string
	mux       *http.ServeMux
	sessions  *session.Store
	tokens    *jwt.Manager
	hasher    *password.Hasher
	limiter   *rate.Limiter
	log       *slog.Logger
	dummyHash string
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Redis == nil {
		return nil, errors.New("backend requires a redis client")
	}
	if len(opts.CSRFSecret) < 32 {
		return nil, errors.New("csrf secret must be at least 32 bytes")
	}
	sessions := session.NewStore(opts.Redis, opts.Session)
	if opts.JWT.TTL <= 0 {
		opts.JWT.TTL = sessions.MaxAge()
	}
	tokens, err := jwt.NewManager(opts.JWT)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	hasher := opts.Hasher
	if hasher == nil {
		if hasher, err = password.New(password.DefaultConfig()); err != nil {
			return nil, err
		}
	}
	dummy, err := hasher.Hash("goauthsync-placeholder")
	if err != nil {
		return nil, err
	}

	basePath := strings.TrimRight(strings.TrimSpace(opts.BasePath), "/")
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	for _, p := range opts.Providers {
		if p.ID == "" || p.ID == credentialsProvider {
			return nil, fmt.Errorf("invalid provider id %q", p.ID)
		}
		if _, err := url.Parse(p.AuthorizeURL); err != nil || p.AuthorizeURL == "" {
			return nil, fmt.Errorf("provider %q: invalid authorize URL", p.ID)
		}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:     opts,
		basePath: basePath,
		mux:      http.NewServeMux(),
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		limiter: rate.New(opts.Redis, rate.Config{
			MaxAttempts: opts.Throttle.MaxAttempts,
			Cooldown:    opts.Throttle.Cooldown,
			PerIP:       opts.Throttle.PerIP,
		}),
		log:       log,
		dummyHash: dummy,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	bp := s.basePath
	s.mux.HandleFunc("GET "+bp+"/session", s.handleGetSession)
	s.mux.HandleFunc("POST "+bp+"/session", s.handleUpdateSession)
	s.mux.HandleFunc("GET "+bp+"/csrf", s.handleCSRF)
	s.mux.HandleFunc("GET "+bp+"/providers", s.handleProviders)
	s.mux.HandleFunc("POST "+bp+"/signin/{provider}", s.handleSignIn)
	s.mux.HandleFunc("POST "+bp+"/callback/"+credentialsProvider, s.handleCredentials)
	s.mux.HandleFunc("POST "+bp+"/signout", s.handleSignOut)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.mux.ServeHTTP(w, r)
}

// BasePath returns the prefix every route hangs off.
func (s *Server) BasePath() string {
	return s.basePath
}

// Tokens returns the manager that signs session cookies.
func (s *Server) Tokens() *jwt.Manager {
	return s.tokens
}

// Authenticate resolves the request's session, sliding its expiry. A request without
// a valid session returns session.ErrNotFound.
func (s *Server) Authenticate(r *http.Request) (*session.Record, error) {
	return s.current(r.Context(), r, true)
}

func (s *Server) current(ctx context.Context, r *http.Request, slide bool) (*session.Record, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, session.ErrNotFound
	}
	claims, err := s.tokens.Parse(c.Value)
	if err != nil {
		return nil, session.ErrNotFound
	}

	var rec *session.Record
	if slide {
		rec, err = s.sessions.Get(ctx, claims.SID, s.opts.Now())
	} else {
		rec, err = s.sessions.GetReadOnly(ctx, claims.SID)
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != claims.UID {
		return nil, session.ErrNotFound
	}
	return rec, nil
}

/*
====================================
HANDLERS
====================================
*/

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.current(r.Context(), r, true)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorruptRecord):
		s.clearCookie(w, r, SessionCookie)
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	case err != nil:
		s.log.Error("goauthsync: session read failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	s.setSessionCookie(w, r, rec)
	writeJSON(w, http.StatusOK, map[string]any{"session": toWire(rec)})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CSRFToken string          `json:"csrfToken"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if !s.checkCSRF(r, body.CSRFToken) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
		return
	}

	rec, err := s.current(r.Context(), r, true)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	}
	if err == nil && len(body.Data) > 0 && string(body.Data) != "null" {
		rec, err = s.sessions.UpdateData(r.Context(), rec.ID, body.Data)
	}
	switch {
	case errors.Is(err, session.ErrInvalidData):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	case err != nil:
		s.log.Error("goauthsync: session update failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session": toWire(rec)})
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CSRFCookie); err == nil {
		if token, ok := internal.CSRFFromCookie(s.opts.CSRFSecret, c.Value); ok {
			writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
			return
		}
	}

	token, cookie, err := internal.NewCSRF(s.opts.CSRFSecret)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "csrf"})
		return
	}
	http.SetCookie(w, s.cookie(r, CSRFCookie, cookie, time.Time{}))
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	out := make(map[string]endpoint.Provider, len(s.opts.Providers)+1)
	if s.opts.Users != nil {
		out[credentialsProvider] = endpoint.Provider{
			ID:          credentialsProvider,
			Name:        "Credentials",
			Type:        "credentials",
			SignInURL:   base + "/signin/" + credentialsProvider,
			CallbackURL: base + "/callback/" + credentialsProvider,
		}
	}
	for _, p := range s.opts.Providers {
		typ := p.Type
		if typ == "" {
			typ = "oauth"
		}
		out[p.ID] = endpoint.Provider{
			ID:          p.ID,
			Name:        p.Name,
			Type:        typ,
			SignInURL:   base + "/signin/" + p.ID,
			CallbackURL: base + "/callback/" + p.ID,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil || !s.checkCSRF(r, r.PostForm.Get("csrfToken")) {
		writeJSON(w, http.StatusForbidden, map[string]string{"url": s.signInPage(r, "", "true")})
		return
	}

	id := r.PathValue("provider")
	p, ok := s.provider(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"url": s.signInPage(r, "OAuthSignin", "")})
		return
	}

	q := url.Values{
		"client_id":     {p.ClientID},
		"redirect_uri":  {s.baseURL(r) + "/callback/" + p.ID},
		"response_type": {"code"},
		"state":         {r.PostForm.Get("csrfToken")},
	}
	target := p.AuthorizeURL
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": target})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil || !s.checkCSRF(r, r.PostForm.Get("csrfToken")) {
		writeJSON(w, http.StatusForbidden, map[string]string{"url": s.signInPage(r, "", "true")})
		return
	}
	if s.opts.Users == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"url": s.signInPage(r, "OAuthSignin", "")})
		return
	}

	ctx := r.Context()
	username := r.PostForm.Get("username")
	ip := clientIP(r)

	if err := s.limiter.Check(ctx, username, ip); err != nil {
		s.rejectCredentials(w, r, username, err)
		return
	}

	user, err := s.verify(ctx, username, r.PostForm.Get("password"))
	if err != nil {
		if rerr := s.limiter.RecordFailure(ctx, username, ip); rerr != nil && !errors.Is(rerr, rate.ErrRateLimited) {
			s.log.Warn("goauthsync: throttle update failed", "error", rerr)
		}
		s.rejectCredentials(w, r, username, err)
		return
	}
	if err := s.limiter.Reset(ctx, username); err != nil {
		s.log.Warn("goauthsync: throttle reset failed", "error", err)
	}

	rec, err := s.sessions.Create(ctx, user.ID, user.Name, user.Email, s.opts.Now())
	if err != nil {
		s.log.Error("goauthsync: session create failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"url": s.signInPage(r, "SessionCreate", "")})
		return
	}
	s.setSessionCookie(w, r, rec)

	s.log.Info("goauthsync: signed in", "user_id", user.ID, "session_id", rec.ID)
	writeJSON(w, http.StatusOK, map[string]string{"url": s.callbackURL(r)})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil || !s.checkCSRF(r, r.PostForm.Get("csrfToken")) {
		writeJSON(w, http.StatusForbidden, map[string]string{"url": s.signInPage(r, "", "true")})
		return
	}

	rec, err := s.current(r.Context(), r, false)
	if err == nil {
		if err := s.sessions.Delete(r.Context(), rec.ID); err != nil {
			s.log.Error("goauthsync: session delete failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
			return
		}
		s.log.Info("goauthsync: signed out", "user_id", rec.UserID, "session_id", rec.ID)
	}

	s.clearCookie(w, r, SessionCookie)
	writeJSON(w, http.StatusOK, map[string]string{"url": s.callbackURL(r)})
}

/*
====================================
HELPERS
====================================
*/

var errBadCredentials = errors.New("bad credentials")

// verify runs a hash comparison even for unknown users so both paths cost the same.
func (s *Server) verify(ctx context.Context, username, plain string) (*User, error) {
	user, err := s.opts.Users.Lookup(ctx, username)
	if err != nil {
		_, _ = s.hasher.Verify(plain, s.dummyHash)
		if errors.Is(err, ErrUserNotFound) {
			return nil, errBadCredentials
		}
		return nil, err
	}
	ok, err := s.hasher.Verify(plain, user.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrPasswordTooLong) {
		return nil, err
	}
	if !ok {
		return nil, errBadCredentials
	}
	return user, nil
}

func (s *Server) rejectCredentials(w http.ResponseWriter, r *http.Request, username string, err error) {
	status, code := http.StatusUnauthorized, "CredentialsSignin"
	switch {
	case errors.Is(err, rate.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, errBadCredentials):
	default:
		s.log.Error("goauthsync: credential check failed", "error", err)
		status, code = http.StatusServiceUnavailable, "Configuration"
	}
	s.log.Info("goauthsync: sign-in rejected", "username", username, "status", status)
	writeJSON(w, status, map[string]string{"url": s.signInPage(r, code, "")})
}

func (s *Server) provider(id string) (ProviderConfig, bool) {
	for _, p := range s.opts.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func (s *Server) checkCSRF(r *http.Request, submitted string) bool {
	c, err := r.Cookie(CSRFCookie)
	if err != nil {
		return false
	}
	return internal.VerifyCSRF(s.opts.CSRFSecret, c.Value, submitted) == nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, rec *session.Record) {
	token, err := s.tokens.Issue(rec.ID, rec.UserID, s.opts.Now())
	if err != nil {
		s.log.Error("goauthsync: session token issue failed", "error", err)
		return
	}
	http.SetCookie(w, s.cookie(r, SessionCookie, token, rec.ExpiresAt))
}

func (s *Server) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	c := s.cookie(r, name, "", time.Time{})
	c.MaxAge = -1
	http.SetCookie(w, c)
}

func (s *Server) cookie(r *http.Request, name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) origin(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) baseURL(r *http.Request) string {
	return s.origin(r) + s.basePath
}

func (s *Server) signInPage(r *http.Request, code, csrf string) string {
	q := url.Values{}
	if code != "" {
		q.Set("error", code)
	}
	if csrf != "" {
		q.Set("csrf", csrf)
	}
	target := s.baseURL(r) + "/signin"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target
}

// callbackURL returns the requested callback when it stays on this origin.
func (s *Server) callbackURL(r *http.Request) string {
	origin := s.origin(r)
	raw := r.PostForm.Get("callbackUrl")
	if raw == "" {
		return origin
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return origin + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme+"://"+u.Host != origin {
		return origin
	}
	return raw
}

func toWire(rec *session.Record) *store.Session {
	out := &store.Session{
		User: &store.User{
			ID:    rec.UserID,
			Name:  rec.Name,
			Email: rec.Email,
		},
		Expires: rec.ExpiresAt.UTC(),
	}
	if len(rec.Data) > 0 {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(rec.Data, &extra); err == nil && len(extra) > 0 {
			out.Extra = extra
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
