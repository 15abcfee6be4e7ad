// Package endpoint is the HTTP client for the auth backend's session surface:
// session, csrf, providers, signin, callback and signout.
//
// Failures are classified at this boundary. A 401/403 from the session endpoint is
// definitive and maps to [ErrUnauthenticated]; network errors, timeouts, 5xx replies
// and undecodable bodies are transient and wrap [ErrUnavailable].
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthSync/store"
)

var (
	// ErrUnauthenticated means the server confirmed there is no session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnavailable means the session could not be determined.
	ErrUnavailable = errors.New("session endpoint unavailable")
)

const (
	defaultBasePath = "/api/auth"
	defaultTimeout  = 10 * time.Second
	maxBodyBytes    = 1 << 20
)

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Path, e.Code)
}

// Provider is one entry of the providers endpoint.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	SignInURL   string `json:"signinUrl"`
	CallbackURL string `json:"callbackUrl"`
}

// Credentials reports whether the provider signs in with a form post.
func (p Provider) Credentials() bool {
	return p.Type == "credentials"
}

// SignInResponse is the raw reply of a sign-in post.
type SignInResponse struct {
	URL    string
	Status int
}

// OK reports a 2xx status.
func (r SignInResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Options configures a Client.
type Options struct {
	// BaseURL is the scheme and host of the backend, e.g. https://app.example.com.
	BaseURL string
	// BasePath prefixes every route. Defaults to /api/auth.
	BasePath string
	// HTTPClient is shared by contexts that should share cookies. When nil a client
	// with its own cookie jar is created.
	HTTPClient *http.Client
	// Timeout applies to clients created here.
	Timeout time.Duration
}

// Client talks to one backend.
type Client struct {
	base string
	http *http.Client
}

// NewHTTPClient returns an http.Client with a fresh cookie jar.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jar, _ := cookiejar.New(nil)
	return &http.Client{Jar: jar, Timeout: timeout}
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("endpoint base URL must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint base URL %q is not absolute", raw)
	}

	basePath := strings.TrimSpace(opts.BasePath)
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(opts.Timeout)
	}

	return &Client{
		base: strings.TrimRight(u.Scheme+"://"+u.Host, "/") + strings.TrimRight(basePath, "/"),
		http: hc,
	}, nil
}

// Base returns the absolute URL every route hangs off.
func (c *Client) Base() string {
	return c.base
}

// URL returns the absolute URL of route.
func (c *Client) URL(route string) string {
	return c.base + "/" + strings.TrimLeft(route, "/")
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// GetSession fetches the current session. A nil session with a nil error means the
// server reports no session.
func (c *Client) GetSession(ctx context.Context) (*store.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL("session"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.doSession(req, "session")
}

// UpdateSession posts data to the session endpoint and returns the resulting session.
func (c *Client) UpdateSession(ctx context.Context, csrfToken string, data any) (*store.Session, error) {
	body, err := json.Marshal(struct {
		CSRFToken string `json:"csrfToken"`
		Data      any    `json:"data,omitempty"`
	}{CSRFToken: csrfToken, Data: data})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL("session"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doSession(req, "session")
}

func (c *Client) doSession(req *http.Request, route string) (*store.Session, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp.Body)
		return nil, ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, &StatusError{Code: resp.StatusCode, Path: route})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sess, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sess, nil
}

// decodeSession accepts both {"session": …} envelopes and bare session objects.
// null, {} and a null or missing-valued session key all mean no session.
func decodeSession(data []byte) (*store.Session, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode session body: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	// A session key makes the body an envelope; its siblings are not session fields.
	payload := data
	if raw, ok := fields["session"]; ok {
		payload = bytes.TrimSpace(raw)
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			return nil, nil
		}
	}

	var sess store.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.User == nil && sess.Expires.IsZero() && len(sess.Extra) == 0 {
		return nil, nil
	}
	return &sess, nil
}

// CSRFToken fetches a token for state-changing posts.
func (c *Client) CSRFToken(ctx context.Context) (string, error) {
	var out struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := c.getJSON(ctx, "csrf", &out); err != nil {
		return "", err
	}
	if out.CSRFToken == "" {
		return "", fmt.Errorf("%w: empty csrf token", ErrUnavailable)
	}
	return out.CSRFToken, nil
}

// Providers fetches the configured providers keyed by id.
func (c *Client) Providers(ctx context.Context) (map[string]Provider, error) {
	out := map[string]Provider{}
	if err := c.getJSON(ctx, "providers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SignIn posts form to the provider's route: callback/<id> for credentials
// providers, signin/<id> otherwise.
func (c *Client) SignIn(ctx context.Context, providerID string, credentials bool, form url.Values) (SignInResponse, error) {
	route := "signin/" + url.PathEscape(providerID)
	if credentials {
		route = "callback/" + url.PathEscape(providerID)
	}
	return c.postForm(ctx, route, form)
}

// SignOut posts form to the signout route and returns the redirect URL.
func (c *Client) SignOut(ctx context.Context, form url.Values) (string, error) {
	resp, err := c.postForm(ctx, "signout", form)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return resp.URL, fmt.Errorf("%w: %v", ErrUnavailable, &StatusError{Code: resp.Status, Path: "signout"})
	}
	return resp.URL, nil
}

func (c *Client) postForm(ctx context.Context, route string, form url.Values) (SignInResponse, error) {
	if form == nil {
		form = url.Values{}
	}
	if form.Get("json") == "" {
		form.Set("json", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(route), strings.NewReader(form.Encode()))
	if err != nil {
		return SignInResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SignInResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		drain(resp.Body)
		return SignInResponse{Status: resp.StatusCode}, fmt.Errorf("%w: %v", ErrUnavailable, &StatusError{Code: resp.StatusCode, Path: route})
	}

	var out struct {
		URL string `json:"url"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return SignInResponse{Status: resp.StatusCode}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return SignInResponse{Status: resp.StatusCode}, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, route, err)
		}
	}
	return SignInResponse{URL: out.URL, Status: resp.StatusCode}, nil
}

func (c *Client) getJSON(ctx context.Context, route string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(route), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp.Body)
		return fmt.Errorf("%w: %v", ErrUnavailable, &StatusError{Code: resp.StatusCode, Path: route})
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, route, err)
	}
	return nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxBodyBytes))
}
