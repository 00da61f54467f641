// Package service provides the identity service business logic: anonymous
// identities, provider sign-in through single-use codes, and session
// issuing, rotation and revocation. Persistence is delegated to repository
// interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atinyakov/GophSession/internal/models"
	"github.com/google/uuid"
)

// CodeTTL is how long an authorization code stays redeemable.
const CodeTTL = 5 * time.Minute

// RefreshWindow is how long after access token expiry the refresh token
// still works.
const RefreshWindow = 30 * 24 * time.Hour

var (
	// ErrSessionNotFound is returned for unknown or expired access tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCodeInvalid is returned for unknown, used or expired codes.
	ErrCodeInvalid = errors.New("invalid authorization code")
	// ErrRefreshInvalid is returned for unknown, rotated or stale refresh tokens.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrInvalidProvider is returned when no provider is named.
	ErrInvalidProvider = errors.New("invalid provider")
)

// IdentityRepository defines the identity persistence operations.
type IdentityRepository interface {
	// CreateIdentity inserts a new identity.
	CreateIdentity(ctx context.Context, id *models.Identity) error
	// UpsertProviderIdentity inserts or refreshes the identity of a
	// (provider, subject) pair and returns the stored row.
	UpsertProviderIdentity(ctx context.Context, id *models.Identity) (*models.Identity, error)
	// GetIdentity fetches an identity; models.ErrNotFound when missing.
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
}

// SessionRepository defines the session and code persistence operations.
type SessionRepository interface {
	CreateSession(ctx context.Context, s models.ServerSession) error
	GetSession(ctx context.Context, accessToken string) (*models.ServerSession, error)
	GetSessionByRefresh(ctx context.Context, refreshToken string) (*models.ServerSession, error)
	ReplaceSession(ctx context.Context, oldAccessToken string, next models.ServerSession) error
	DeleteSession(ctx context.Context, accessToken string) error
	CreateCode(ctx context.Context, code, identityID string, expiresAt time.Time) error
	ConsumeCode(ctx context.Context, code string) (string, time.Time, error)
}

// Issued is a session together with the identity that owns it.
type Issued struct {
	Session  models.ServerSession
	Identity *models.Identity
}

// AuthService implements the identity service operations.
type AuthService struct {
	ids      IdentityRepository
	sessions SessionRepository
	ttl      time.Duration

	now   func() time.Time
	newID func() string
}

// NewAuthService constructs an AuthService issuing access tokens valid for
// ttl.
func NewAuthService(ids IdentityRepository, sessions SessionRepository, ttl time.Duration) *AuthService {
	return &AuthService{
		ids:      ids,
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateAnonymous creates a fresh anonymous identity and a session for it.
func (s *AuthService) CreateAnonymous(ctx context.Context) (*Issued, error) {
	id := &models.Identity{ID: s.newID(), Provider: string(models.ProviderAnonymous), Anonymous: true}
	if err := s.ids.CreateIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return s.issue(ctx, id)
}

// Session resolves an access token.
func (s *AuthService) Session(ctx context.Context, accessToken string) (*Issued, error) {
	sess, err := s.sessions.GetSession(ctx, accessToken)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	id, err := s.ids.GetIdentity(ctx, sess.IdentityID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Issued{Session: *sess, Identity: id}, nil
}

// IdentityForToken returns the identity ID owning a live access token.
func (s *AuthService) IdentityForToken(ctx context.Context, accessToken string) (string, error) {
	sess, err := s.sessions.GetSession(ctx, accessToken)
	if errors.Is(err, models.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return "", ErrSessionNotFound
	}
	return sess.IdentityID, nil
}

// Authorize is the development provider: it approves login at provider
// without asking and returns a single-use code. SSO providers are named
// "sso:<domain>" and get login@domain as the email.
func (s *AuthService) Authorize(ctx context.Context, provider, login string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" || provider == string(models.ProviderAnonymous) {
		return "", ErrInvalidProvider
	}
	if login == "" {
		login = "user"
	}
	id := &models.Identity{
		ID:       s.newID(),
		Provider: provider,
		Subject:  login,
		Name:     login,
	}
	if domain, ok := strings.CutPrefix(provider, "sso:"); ok {
		if domain == "" {
			return "", ErrInvalidProvider
		}
		id.Email = login + "@" + domain
	} else {
		id.AvatarURL = "https://avatars.example/" + provider + "/" + login + ".png"
	}

	stored, err := s.ids.UpsertProviderIdentity(ctx, id)
	if err != nil {
		return "", fmt.Errorf("upsert identity: %w", err)
	}
	code := s.newID()
	if err := s.sessions.CreateCode(ctx, code, stored.ID, s.now().Add(CodeTTL)); err != nil {
		return "", fmt.Errorf("create code: %w", err)
	}
	return code, nil
}

// Exchange redeems an authorization code for a session.
func (s *AuthService) Exchange(ctx context.Context, code string) (*Issued, error) {
	identityID, expiresAt, err := s.sessions.ConsumeCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(expiresAt) {
		return nil, ErrCodeInvalid
	}
	id, err := s.ids.GetIdentity(ctx, identityID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, id)
}

// Refresh rotates a session. The old access and refresh tokens stop working.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*Issued, error) {
	old, err := s.sessions.GetSessionByRefresh(ctx, refreshToken)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrRefreshInvalid
	}
	if err != nil {
		return nil, err
	}
	if s.now().After(old.ExpiresAt.Add(RefreshWindow)) {
		return nil, ErrRefreshInvalid
	}
	id, err := s.ids.GetIdentity(ctx, old.IdentityID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrRefreshInvalid
	}
	if err != nil {
		return nil, err
	}

	next := s.newSession(id.ID)
	err = s.sessions.ReplaceSession(ctx, old.AccessToken, next)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrRefreshInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return &Issued{Session: next, Identity: id}, nil
}

// SignOut revokes an access token.
func (s *AuthService) SignOut(ctx context.Context, accessToken string) error {
	return s.sessions.DeleteSession(ctx, accessToken)
}

func (s *AuthService) issue(ctx context.Context, id *models.Identity) (*Issued, error) {
	sess := s.newSession(id.ID)
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Issued{Session: sess, Identity: id}, nil
}

func (s *AuthService) newSession(identityID string) models.ServerSession {
	return models.ServerSession{
		AccessToken:  s.newID(),
		RefreshToken: s.newID(),
		IdentityID:   identityID,
		ExpiresAt:    s.now().Add(s.ttl),
	}
}
