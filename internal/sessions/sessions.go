// Package sessions implements the bearer-token login/logout service backing
// the gateway's single-operator REST API (spec.md §4.H).
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/xerrors"
)

// DefaultTTL is how long an issued session token remains valid.
const DefaultTTL = 24 * time.Hour

// Service issues and validates bearer tokens against the configured
// operator credential. There is exactly one operator account; this is a
// field gateway, not a multi-tenant control plane.
type Service struct {
	store    store.SessionStore
	username string
	password string
	ttl      time.Duration
}

// New builds a session service. username/password are the single operator
// credential pair, typically sourced from config.toml.
func New(sessionStore store.SessionStore, username, password string) *Service {
	return &Service{store: sessionStore, username: username, password: password, ttl: DefaultTTL}
}

// Login issues a new session token if the credentials match.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Session, error) {
	if username != s.username || password != s.password || username == "" {
		return nil, xerrors.New(xerrors.KindAuth, "login", "invalid credentials")
	}

	token, err := newToken()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuth, "login", err)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		Token:     token,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorage, "login", err)
	}
	return sess, nil
}

// Validate returns the session for token if it exists and has not expired,
// deleting it if found expired.
func (s *Service) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, xerrors.New(xerrors.KindAuth, "validate", "missing token")
	}
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuth, "validate", err)
	}
	if sess.Expired(time.Now().UTC()) {
		_ = s.store.DeleteSession(ctx, token)
		return nil, xerrors.New(xerrors.KindAuth, "validate", "session expired")
	}
	return sess, nil
}

// Logout deletes a session token; deleting an unknown token is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
