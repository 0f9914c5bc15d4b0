// Package session holds the client's auth state and pushes change
// notifications to subscribers, so the rest of the engine reacts to
// login/logout instead of polling a shared store.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"converse/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("token expired")

// State is a snapshot of the current auth state.
type State struct {
	Authenticated bool
	Token         string
	UserID        string
	ExpiresAt     time.Time
}

type Session struct {
	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
	now    func() time.Time
}

func New() *Session {
	return &Session{
		subs: make(map[int]func(State)),
		now:  time.Now,
	}
}

// SetToken installs a bearer token. The JWT claims are parsed (unverified;
// the server holds the signing key) to extract the user id and expiry. An
// already-expired token is rejected with ErrTokenExpired.
func (s *Session) SetToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return fmt.Errorf("token has no subject claim: %w", models.ErrAuthRequired)
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
		if expiresAt.Before(s.now()) {
			return ErrTokenExpired
		}
	}

	s.mu.Lock()
	s.state = State{
		Authenticated: true,
		Token:         token,
		UserID:        sub,
		ExpiresAt:     expiresAt,
	}
	state, subs := s.state, s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, state)
	return nil
}

// Clear drops the auth state (logout) and notifies subscribers.
func (s *Session) Clear() {
	s.mu.Lock()
	s.state = State{}
	state, subs := s.state, s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, state)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the current bearer token, or "" when logged out or expired.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Authenticated {
		return ""
	}
	if !s.state.ExpiresAt.IsZero() && s.state.ExpiresAt.Before(s.now()) {
		return ""
	}
	return s.state.Token
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID
}

// Subscribe registers a callback invoked on every auth-state change and
// returns a function that removes it.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) snapshotSubsLocked() []func(State) {
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(State), state State) {
	for _, fn := range subs {
		fn(state)
	}
}
