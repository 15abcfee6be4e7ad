package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

var hsKey = []byte("0123456789abcdef0123456789abcdef")

func newEdManager(t *testing.T) *Manager {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	m, err := NewManager(Config{TTL: time.Hour, SigningMethod: MethodEd25519, PrivateKey: priv, Issuer: "goauthsync"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueAndParse(t *testing.T) {
	for name, m := range map[string]*Manager{
		"ed25519": newEdManager(t),
		"hs256": func() *Manager {
			m, err := NewManager(Config{TTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: hsKey, KeyID: "k1"})
			if err != nil {
				t.Fatalf("new manager: %v", err)
			}
			return m
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			token, err := m.Issue("sid-1", "user-1", time.Now())
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			claims, err := m.Parse(token)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if claims.SID != "sid-1" || claims.UID != "user-1" {
				t.Fatalf("unexpected claims %+v", claims)
			}
		})
	}
}

func TestParseRejectsExpired(t *testing.T) {
	m := newEdManager(t)
	token, err := m.Issue("sid", "uid", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	m := newEdManager(t)
	claims := SessionClaims{SID: "s", UID: "u", RegisteredClaims: gjwt.RegisteredClaims{
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		Issuer:    "goauthsync",
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(hsKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseRejectsForeignKeyAndTampering(t *testing.T) {
	a, b := newEdManager(t), newEdManager(t)
	token, err := a.Issue("sid", "uid", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Parse(token); err == nil {
		t.Fatal("expected token from another key to be rejected")
	}
	if _, err := a.Parse(token + "x"); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []Config{
		{TTL: 0, SigningMethod: MethodHS256, PrivateKey: hsKey},
		{TTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("short")},
		{TTL: time.Hour, SigningMethod: MethodEd25519},
		{TTL: time.Hour, SigningMethod: "rs256", PrivateKey: hsKey},
		{TTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: hsKey, Leeway: time.Hour},
	}
	for i, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
