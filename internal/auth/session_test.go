package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSessionReadsClaims(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"user": map[string]interface{}{"id": "u1"}, "name": "Ada", "exp": time.Now().Add(time.Hour).Unix()})
	s := NewSession(tok)
	if s.UserID() != "u1" || s.Identity().Name != "Ada" {
		t.Fatalf("unexpected identity %+v", s.Identity())
	}
	got, err := s.Credential()
	if err != nil || got != tok {
		t.Fatalf("credential: %q %v", got, err)
	}
}

func TestSessionExpired(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	s := NewSession(tok)
	if _, err := s.Credential(); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestSessionOpaqueToken(t *testing.T) {
	s := NewSession("opaque")
	if _, err := s.Credential(); err != nil {
		t.Fatalf("opaque tokens are accepted as-is: %v", err)
	}
	if s.UserID() != "" {
		t.Fatal("no identity expected from opaque token")
	}
}

func TestInvalidateRunsHooksOnce(t *testing.T) {
	s := NewSession("opaque")
	s.SetIdentity(Identity{UserID: "u1", Name: "Ada"})
	calls := 0
	s.OnInvalidate(func() { calls++ })
	s.Invalidate()
	s.Invalidate()
	if calls != 1 {
		t.Fatalf("expected 1 hook call, got %d", calls)
	}
	if _, err := s.Credential(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if s.UserID() != "" {
		t.Fatal("identity should be cleared")
	}
}
