package backend

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MrEthical07/goAuthSync/password"
)

// ErrUserNotFound is returned by a UserStore for unknown usernames.
var ErrUserNotFound = errors.New("user not found")

// User is an account that can sign in with credentials.
type User struct {
	ID           string
	Username     string
	Name         string
	Email        string
	PasswordHash string
}

// UserStore resolves usernames for the credentials provider.
type UserStore interface {
	Lookup(ctx context.Context, username string) (*User, error)
}

// MemoryUsers is a UserStore for tests and demos.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUsers returns an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: map[string]User{}}
}

// Add hashes plain with h and stores the user under its username.
func (m *MemoryUsers) Add(h *password.Hasher, u User, plain string) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username must not be empty")
	}
	hash, err := h.Hash(plain)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if u.ID == "" {
		u.ID = u.Username
	}

	m.mu.Lock()
	m.users[normalizeUsername(u.Username)] = u
	m.mu.Unlock()
	return nil
}

// Lookup implements UserStore.
func (m *MemoryUsers) Lookup(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	u, ok := m.users[normalizeUsername(username)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
