// Package session holds the authenticated identity of the link client.
// It is the single source of truth for "is the user logged in".
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sundayezeilo/shorty/internal/errx"
)

// Session is an immutable snapshot of the store.
type Session struct {
	UserID string
	Token  string

	// Generation changes on every login and every effective logout. Work started under
	// one generation must not be applied under another.
	Generation uint64

	// ExpiresAt is the token's exp claim when the token is a JWT.
	ExpiresAt *time.Time
}

// Authenticated reports whether both the user id and the token are present.
func (s Session) Authenticated() bool {
	return s.UserID != "" && s.Token != ""
}

// Expired reports whether the token carries an exp claim at or before now.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Persister stores the session across process restarts.
type Persister interface {
	Load() (userID, token string, err error)
	Save(userID, token string) error
	Clear() error
}

// Store owns the current session. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	cur       Session
	persister Persister
	logger    *slog.Logger
	onLogout  []func()
}

// NewStore creates a store and restores any persisted session. A nil persister keeps
// the session in memory only.
func NewStore(p Persister, logger *slog.Logger) (*Store, error) {
	const op = "session.NewStore"

	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{persister: p, logger: logger}
	if p == nil {
		return s, nil
	}

	userID, token, err := p.Load()
	if err != nil {
		return nil, errx.E(op, errx.Internal, err)
	}
	if userID != "" && token != "" {
		s.cur = Session{UserID: userID, Token: token, Generation: 1, ExpiresAt: tokenExpiry(token)}
		logger.Debug("session restored", "user_id", userID)
	}
	return s, nil
}

// Login replaces the current session.
func (s *Store) Login(userID, token string) error {
	const op = "session.Store.Login"

	if userID == "" || token == "" {
		return errx.E(op, errx.InvalidCredentials, errors.New("user id and token are both required"))
	}

	s.mu.Lock()
	s.cur = Session{
		UserID:     userID,
		Token:      token,
		Generation: s.cur.Generation + 1,
		ExpiresAt:  tokenExpiry(token),
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(userID, token); err != nil {
			// The in-memory session stays valid; only the next process start loses it.
			s.logger.Warn("failed to persist session", "user_id", userID, "error", err.Error())
			return errx.E(op, errx.Internal, err)
		}
	}
	return nil
}

// Logout clears the session and notifies listeners. Calling it while logged out is a no-op.
func (s *Store) Logout() error {
	const op = "session.Store.Logout"
	return s.logout(op, func(Session) bool { return true })
}

// LogoutGeneration logs out only if the current session still has generation gen.
// A session created by a later login is left alone.
func (s *Store) LogoutGeneration(gen uint64) error {
	const op = "session.Store.LogoutGeneration"
	return s.logout(op, func(cur Session) bool { return cur.Generation == gen })
}

func (s *Store) logout(op string, cond func(Session) bool) error {
	s.mu.Lock()
	if !s.cur.Authenticated() || !cond(s.cur) {
		s.mu.Unlock()
		return nil
	}
	userID := s.cur.UserID
	s.cur = Session{Generation: s.cur.Generation + 1}
	listeners := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	s.logger.Debug("session cleared", "user_id", userID)

	if s.persister != nil {
		if err := s.persister.Clear(); err != nil {
			return errx.E(op, errx.Internal, err)
		}
	}
	return nil
}

// Current returns a snapshot of the session.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// OnLogout registers fn to run after every effective logout.
func (s *Store) OnLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the server remains
// the authority on validity.
func tokenExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
