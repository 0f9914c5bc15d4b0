package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSession_SetToken(t *testing.T) {
	s := New()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()})

	if err := s.SetToken(token); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}

	state := s.State()
	if !state.Authenticated {
		t.Error("expected authenticated state")
	}
	if state.UserID != "u1" {
		t.Errorf("expected user u1, got %q", state.UserID)
	}
	if !state.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, state.ExpiresAt)
	}
	if s.Token() != token {
		t.Error("Token() does not return the installed token")
	}
	if s.UserID() != "u1" {
		t.Errorf("expected UserID u1, got %q", s.UserID())
	}
}

func TestSession_RejectsBadTokens(t *testing.T) {
	s := New()

	if err := s.SetToken("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}

	noSubject := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if err := s.SetToken(noSubject); err == nil {
		t.Error("expected error for token without subject")
	}

	expired := signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	if err := s.SetToken(expired); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	if s.State().Authenticated {
		t.Error("rejected tokens must not authenticate the session")
	}
	if s.Token() != "" {
		t.Error("Token() must be empty after rejected tokens")
	}
}

func TestSession_TokenExpiresOverTime(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": now.Add(time.Minute).Unix()})
	if err := s.SetToken(token); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if s.Token() == "" {
		t.Fatal("token should be valid before expiry")
	}

	now = now.Add(2 * time.Minute)
	if s.Token() != "" {
		t.Error("Token() must return empty once the token expired")
	}
}

func TestSession_SubscribeAndClear(t *testing.T) {
	s := New()
	var states []State
	unsub := s.Subscribe(func(st State) { states = append(states, st) })

	token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	if err := s.SetToken(token); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	s.Clear()

	if len(states) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(states))
	}
	if !states[0].Authenticated || states[0].UserID != "u1" {
		t.Errorf("unexpected login notification: %+v", states[0])
	}
	if states[1].Authenticated {
		t.Errorf("unexpected logout notification: %+v", states[1])
	}
	if s.Token() != "" || s.UserID() != "" {
		t.Error("Clear must drop all auth state")
	}

	unsub()
	if err := s.SetToken(token); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("unsubscribed callback invoked, %d notifications", len(states))
	}
}
