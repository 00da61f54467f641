// Package authstate holds the authoritative answer to "who is the current
// user" for one client instance. A Machine reconciles remote identity
// events, sibling instances' store writes and local user actions, one event
// at a time.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/GophSession/internal/models"
)

// State is the machine's coarse state.
type State int

const (
	Uninitialized State = iota
	Initializing
	ResolvedAnonymous
	ResolvedAuthenticated
	// Error is advisory: the identity is nil and loading has finished, so
	// the user proceeds as a visitor.
	Error
	// SigningIn means a provider handoff is under way.
	SigningIn
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case ResolvedAnonymous:
		return "resolved-anonymous"
	case ResolvedAuthenticated:
		return "resolved-authenticated"
	case Error:
		return "error"
	case SigningIn:
		return "signing-in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Loading reports whether the identity is still being resolved.
func (s State) Loading() bool {
	return s == Uninitialized || s == Initializing
}

// Snapshot is what presentation layers see.
type Snapshot struct {
	State     State
	Identity  *models.ResolvedIdentity
	Loading   bool
	LastError string
}

var (
	// ErrStopped is returned by actions on a machine whose Run has returned.
	ErrStopped = errors.New("auth state machine stopped")
	// ErrNotResolved is returned by actions invoked while loading.
	ErrNotResolved = errors.New("identity is still being resolved")
	// ErrBusy is returned when a sign-out is already in flight.
	ErrBusy = errors.New("another sign-out is in progress")
	// ErrSessionUnavailable is returned by RefreshProfile when the session
	// could not be read.
	ErrSessionUnavailable = errors.New("session unavailable")
)

// IdentityService is the remote identity service.
type IdentityService interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
	CreateAnonymousIdentity(ctx context.Context) (*models.Session, error)
	// BeginOAuthRedirect and BeginSSORedirect hand the user to the
	// provider. They return once the handoff has started.
	BeginOAuthRedirect(ctx context.Context, provider, returnURL string) error
	BeginSSORedirect(ctx context.Context, domainOrProvider, returnURL string) error
	ExchangeCallback(ctx context.Context, code string) (*models.Session, error)
	SignOut(ctx context.Context) error
	OnSessionChanged(fn func(models.SessionEvent)) (unsubscribe func())
}

// TokenAdopter is implemented by services that can take over a token pair
// delivered in a callback fragment.
type TokenAdopter interface {
	AdoptTokens(ctx context.Context, accessToken, refreshToken string) (*models.Session, error)
}

// SessionCache is the session read cache.
type SessionCache interface {
	ReadOK(ctx context.Context) (*models.Session, bool)
	Invalidate()
	Reset()
	LastKnown() (*models.Session, bool)
}

// Acquirer establishes the anonymous identity.
type Acquirer interface {
	Acquire(ctx context.Context) (*models.Session, error)
	Adopt(s *models.Session) *models.Session
}

// Default bounds.
const (
	DefaultInitialRead     = 3 * time.Second
	DefaultAnonymousCreate = 5 * time.Second
	DefaultRedirectResolve = 5 * time.Second
	DefaultInitCeiling     = 10 * time.Second
)

// UserDataPrefix marks store keys holding per-identity data; sign-out
// removes them.
const UserDataPrefix = "user."

// Config configures a Machine.
type Config struct {
	InitialRead     time.Duration
	AnonymousCreate time.Duration
	RedirectResolve time.Duration
	InitCeiling     time.Duration

	// SessionKey is the store key the identity service writes on sign-in
	// and sign-out. Sibling writes to it trigger reconciliation.
	SessionKey string
	// URL is the navigational URL the instance was started with. A sign-in
	// callback in it suppresses anonymous identity creation.
	URL string
	// ReturnURL is handed to providers on sign-in.
	ReturnURL string
}

func (c Config) withDefaults() Config {
	if c.InitialRead <= 0 {
		c.InitialRead = DefaultInitialRead
	}
	if c.AnonymousCreate <= 0 {
		c.AnonymousCreate = DefaultAnonymousCreate
	}
	if c.RedirectResolve <= 0 {
		c.RedirectResolve = DefaultRedirectResolve
	}
	if c.InitCeiling <= 0 {
		c.InitCeiling = DefaultInitCeiling
	}
	return c
}
