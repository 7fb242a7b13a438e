// Package admin implements the dashboard's password login and the
// in-memory cookie session store behind it.
package admin

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName is the admin session cookie.
const CookieName = "router_admin"

// sessionTTL is how long an admin login stays valid.
const sessionTTL = 12 * time.Hour

// ErrBadPassword is returned when the supplied password does not match.
var ErrBadPassword = errors.New("invalid password")

// ErrDisabled is returned when no admin password is configured.
var ErrDisabled = errors.New("admin login disabled: no password configured")

// Sessions validates the shared admin password and tracks issued tokens.
type Sessions struct {
	password string

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
}

// NewSessions creates a session store guarding the given password. An empty
// password disables login entirely.
func NewSessions(password string) *Sessions {
	return &Sessions{
		password: password,
		tokens:   make(map[string]time.Time),
	}
}

// Login checks the password and mints a session token.
func (s *Sessions) Login(password string) (string, error) {
	if s.password == "" {
		return "", ErrDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return "", ErrBadPassword
	}

	token := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = time.Now().Add(sessionTTL)
	return token, nil
}

// Validate reports whether the token belongs to a live session. Expired
// tokens are dropped on sight.
func (s *Sessions) Validate(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// Logout revokes the token.
func (s *Sessions) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}
