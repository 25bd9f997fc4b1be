// Package session holds the authenticated identity for the running client.
// Managers consult it before any remote operation; an unset session maps to
// a NotAuthenticated failure, never a panic.
package session

import (
	"sync"

	"github.com/ckoliveira/courier/internal/remote"
)

// Identity is the authenticated user as reported by the auth provider.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
}

// Session is a concurrency-safe holder for the current identity.
type Session struct {
	mu    sync.RWMutex
	ident *Identity
}

// New creates an unauthenticated session.
func New() *Session {
	return &Session{}
}

// Set records the authenticated identity.
func (s *Session) Set(ident Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = &ident
}

// Clear drops the identity, returning the session to unauthenticated.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = nil
}

// Current returns the identity and whether one is set.
func (s *Session) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ident == nil {
		return Identity{}, false
	}
	return *s.ident, true
}

// UID returns the authenticated user id, or ErrNotAuthenticated.
func (s *Session) UID() (string, error) {
	ident, ok := s.Current()
	if !ok {
		return "", remote.ErrNotAuthenticated
	}
	return ident.UID, nil
}
