// Package auth holds the authenticated identity and bearer credential shared
// by every component. The credential is written only by the login flow and
// cleared when any REST call reports 401.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential = errors.New("auth: no credential")
	ErrExpired      = errors.New("auth: credential expired")
)

type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type Session struct {
	mu       sync.RWMutex
	token    string
	identity Identity
	expires  time.Time
	hooks    []func()
	now      func() time.Time
}

// NewSession builds a session around a bearer credential. Identity claims are
// read from the token when it is a JWT; the signature is the server's concern.
func NewSession(token string) *Session {
	s := &Session{now: time.Now}
	s.setToken(token)
	return s
}

func (s *Session) setToken(token string) {
	s.token = token
	s.expires = time.Time{}
	if token == "" {
		return
	}
	id, exp, ok := inspect(token)
	if !ok {
		return
	}
	s.expires = exp
	if id.UserID != "" {
		s.identity.UserID = id.UserID
	}
	if id.Name != "" {
		s.identity.Name = id.Name
	}
}

// SetCredential replaces the credential, e.g. after a fresh login.
func (s *Session) SetCredential(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = Identity{}
	s.setToken(token)
}

// Credential returns the bearer credential for the next request.
func (s *Session) Credential() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	if !s.expires.IsZero() && !s.now().Before(s.expires) {
		return "", ErrExpired
	}
	return s.token, nil
}

func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) UserID() string { return s.Identity().UserID }

// SetIdentity records the identity returned by the server.
func (s *Session) SetIdentity(id Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

func (s *Session) Valid() bool {
	_, err := s.Credential()
	return err == nil
}

// OnInvalidate registers fn to run when the credential is cleared by Invalidate.
func (s *Session) OnInvalidate(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Invalidate clears the credential and runs the invalidation hooks. Only the
// call that actually clears a credential runs them.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.identity = Identity{}
	s.expires = time.Time{}
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func inspect(token string) (Identity, time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, time.Time{}, false
	}
	var id Identity
	for _, k := range []string{"sub", "id", "_id", "userId"} {
		if v, ok := claims[k].(string); ok && v != "" {
			id.UserID = v
			break
		}
	}
	// tokens issued as {"user": {"id": ...}}
	if u, ok := claims["user"].(map[string]interface{}); ok && id.UserID == "" {
		if v, ok := u["id"].(string); ok {
			id.UserID = v
		}
	}
	if v, ok := claims["name"].(string); ok {
		id.Name = v
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	return id, exp, true
}
