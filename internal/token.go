package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

const csrfTokenSize = 32

// ErrInvalidCSRF reports a missing or forged double-submit pair.
var ErrInvalidCSRF = errors.New("invalid csrf token")

// RandomToken returns n random bytes as unpadded base64url.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewCSRF returns a fresh token and the cookie value binding it to secret.
// The cookie has the form token|hmac.
func NewCSRF(secret []byte) (token, cookie string, err error) {
	token, err = RandomToken(csrfTokenSize)
	if err != nil {
		return "", "", err
	}
	return token, token + "|" + signCSRF(secret, token), nil
}

// CSRFFromCookie returns the token carried by a cookie value when its signature holds.
func CSRFFromCookie(secret []byte, cookie string) (string, bool) {
	token, mac, ok := strings.Cut(cookie, "|")
	if !ok || token == "" {
		return "", false
	}
	want := signCSRF(secret, token)
	if subtle.ConstantTimeCompare([]byte(mac), []byte(want)) != 1 {
		return "", false
	}
	return token, true
}

// VerifyCSRF checks a submitted token against the cookie value.
func VerifyCSRF(secret []byte, cookie, submitted string) error {
	token, ok := CSRFFromCookie(secret, cookie)
	if !ok || submitted == "" {
		return ErrInvalidCSRF
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(submitted)) != 1 {
		return ErrInvalidCSRF
	}
	return nil
}

func signCSRF(secret []byte, token string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
