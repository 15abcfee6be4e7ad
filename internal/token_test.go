package internal

import (
	"errors"
	"strings"
	"testing"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestCSRFRoundTrip(t *testing.T) {
	token, cookie, err := NewCSRF(testSecret)
	if err != nil {
		t.Fatalf("NewCSRF: %v", err)
	}
	if !strings.HasPrefix(cookie, token+"|") {
		t.Fatalf("cookie %q does not carry token %q", cookie, token)
	}
	if got, ok := CSRFFromCookie(testSecret, cookie); !ok || got != token {
		t.Fatalf("CSRFFromCookie = %q, %v", got, ok)
	}
	if err := VerifyCSRF(testSecret, cookie, token); err != nil {
		t.Fatalf("VerifyCSRF: %v", err)
	}
}

func TestCSRFRejectsForgery(t *testing.T) {
	token, cookie, err := NewCSRF(testSecret)
	if err != nil {
		t.Fatalf("NewCSRF: %v", err)
	}
	other, _, _ := NewCSRF(testSecret)

	cases := []struct {
		name      string
		secret    []byte
		cookie    string
		submitted string
	}{
		{"empty submitted", testSecret, cookie, ""},
		{"mismatched token", testSecret, cookie, other},
		{"foreign secret", []byte("another-secret-another-secret-xx"), cookie, token},
		{"no signature", testSecret, token, token},
		{"swapped token", testSecret, other + cookie[len(token):], other},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := VerifyCSRF(tc.secret, tc.cookie, tc.submitted); !errors.Is(err, ErrInvalidCSRF) {
				t.Fatalf("expected ErrInvalidCSRF, got %v", err)
			}
		})
	}
}

func TestRandomTokenIsUnique(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	b, _ := RandomToken(16)
	if a == b || len(a) != 22 {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
