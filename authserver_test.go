package goAuthSync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testCSRF = "csrf-token"

// fakeAuth is a single-user auth backend shared by every context of a test, the way
// tabs share one cookie jar.
type fakeAuth struct {
	srv *httptest.Server

	mu         sync.Mutex
	user       *User
	expires    time.Time
	data       json.RawMessage
	failStatus int
	gate       chan struct{}
	password   string

	gets      atomic.Int64
	updates   atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

func newFakeAuth(t testing.TB) *fakeAuth {
	t.Helper()
	f := &fakeAuth{password: "secret"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/session", f.getSession)
	mux.HandleFunc("POST /api/auth/session", f.updateSession)
	mux.HandleFunc("GET /api/auth/csrf", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"csrfToken": testCSRF})
	})
	mux.HandleFunc("GET /api/auth/providers", f.providers)
	mux.HandleFunc("POST /api/auth/callback/credentials", f.credentials)
	mux.HandleFunc("POST /api/auth/signin/github", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"url": "https://github.com/login/oauth/authorize?client_id=x"})
	})
	mux.HandleFunc("POST /api/auth/signout", f.signOut)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAuth) URL() string { return f.srv.URL }

func (f *fakeAuth) signIn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = &User{ID: id, Name: id, Email: id + "@example.com"}
	f.expires = time.Now().Add(time.Hour).UTC().Truncate(time.Second)
}

func (f *fakeAuth) setExpires(t time.Time) {
	f.mu.Lock()
	f.expires = t
	f.mu.Unlock()
}

func (f *fakeAuth) signOutServer() {
	f.mu.Lock()
	f.user = nil
	f.mu.Unlock()
}

func (f *fakeAuth) fail(status int) {
	f.mu.Lock()
	f.failStatus = status
	f.mu.Unlock()
}

// hold makes session reads block until the returned func is called.
func (f *fakeAuth) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeAuth) sessionBody() any {
	if f.user == nil {
		return map[string]any{}
	}
	body := map[string]any{
		"user":    f.user,
		"expires": f.expires,
	}
	if len(f.data) > 0 {
		body["data"] = f.data
	}
	return body
}

func (f *fakeAuth) getSession(w http.ResponseWriter, r *http.Request) {
	f.gets.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	// The response reflects the state when the request arrived, even when held.
	f.mu.Lock()
	gate, status, body := f.gate, f.failStatus, f.sessionBody()
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *fakeAuth) updateSession(w http.ResponseWriter, r *http.Request) {
	f.updates.Add(1)
	var body struct {
		CSRFToken string          `json:"csrfToken"`
		Data      json.RawMessage `json:"data"`
	}
	raw, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(raw, &body); err != nil || body.CSRFToken != testCSRF {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	f.data = body.Data
	writeJSON(w, http.StatusOK, f.sessionBody())
}

func (f *fakeAuth) providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]Provider{
		"credentials": {
			ID:          "credentials",
			Name:        "Credentials",
			Type:        "credentials",
			SignInURL:   f.srv.URL + "/api/auth/signin/credentials",
			CallbackURL: f.srv.URL + "/api/auth/callback/credentials",
		},
		"github": {
			ID:          "github",
			Name:        "GitHub",
			Type:        "oauth",
			SignInURL:   f.srv.URL + "/api/auth/signin/github",
			CallbackURL: f.srv.URL + "/api/auth/callback/github",
		},
	})
}

func (f *fakeAuth) credentials(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("csrfToken") != testCSRF {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.PostForm.Get("password") != f.password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"url": f.srv.URL + "/api/auth/error?error=CredentialsSignin&provider=credentials",
		})
		return
	}
	f.signIn(r.PostForm.Get("username"))
	writeJSON(w, http.StatusOK, map[string]string{"url": r.PostForm.Get("callbackUrl")})
}

func (f *fakeAuth) signOut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("csrfToken") != testCSRF {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	f.signOutServer()
	writeJSON(w, http.StatusOK, map[string]string{"url": r.PostForm.Get("callbackUrl")})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(target string) {
	n.mu.Lock()
	n.targets = append(n.targets, target)
	n.mu.Unlock()
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}
