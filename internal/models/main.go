// Package models defines the core data structures for identities and sessions
// shared by the identity service and the client coordinator.
package models

import (
	"strings"
	"time"
)

// ProviderKind tells how an identity was established.
type ProviderKind string

const (
	// ProviderAnonymous marks a throwaway identity created before any sign-in.
	ProviderAnonymous ProviderKind = "anonymous"
	// ProviderOAuth marks an identity established through an OAuth provider.
	ProviderOAuth ProviderKind = "oauth"
	// ProviderSSO marks an identity established through enterprise SSO.
	ProviderSSO ProviderKind = "sso"
)

// Profile attribute names carried in Session.Attributes.
const (
	AttrName      = "name"
	AttrAvatarURL = "avatar_url"
	AttrEmail     = "email"
	AttrProvider  = "provider"
)

// Identity is a user record held by the identity service.
type Identity struct {
	// ID is the opaque identity key.
	ID string `json:"id"`
	// Provider is "anonymous" or the provider name (e.g. "github", "sso:acme.com").
	Provider string `json:"provider"`
	// Subject is the provider-side user identifier; empty for anonymous identities.
	Subject string `json:"subject,omitempty"`
	// Anonymous is true for identities created without sign-in.
	Anonymous bool `json:"is_anonymous"`
	// Name is the provider-attributed display name.
	Name string `json:"name,omitempty"`
	// AvatarURL is the provider-attributed avatar.
	AvatarURL string `json:"avatar_url,omitempty"`
	// Email is the provider-attributed email-like identifier.
	Email string `json:"email,omitempty"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at"`
}

// Kind maps the provider name to its ProviderKind.
func (i *Identity) Kind() ProviderKind {
	switch {
	case i.Anonymous:
		return ProviderAnonymous
	case strings.HasPrefix(i.Provider, "sso:"):
		return ProviderSSO
	default:
		return ProviderOAuth
	}
}

// ServerSession is a session row issued by the identity service.
type ServerSession struct {
	AccessToken  string
	RefreshToken string
	IdentityID   string
	ExpiresAt    time.Time
}

// Session is the client-side view of a remote session, reduced to the fields
// the coordinator uses.
type Session struct {
	// IdentityKey is the opaque key of the identity owning the session.
	IdentityKey string
	// Provider tells anonymous, OAuth and SSO sessions apart.
	Provider ProviderKind
	// Attributes holds raw profile attributes (see the Attr* constants).
	Attributes map[string]string
	// AccessToken is the bearer token; opaque to the coordinator.
	AccessToken string
	// ExpiresAt is the access token expiry.
	ExpiresAt time.Time
}

// Anonymous reports whether the session belongs to an anonymous identity.
func (s *Session) Anonymous() bool {
	return s != nil && s.Provider == ProviderAnonymous
}

// Expired reports whether the access token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ResolvedIdentity is the coordinator's authoritative answer to "who is the
// current user". Values are replaced, never mutated.
type ResolvedIdentity struct {
	Key       string       `json:"key"`
	Anonymous bool         `json:"anonymous"`
	Provider  ProviderKind `json:"provider"`
	Name      string       `json:"name,omitempty"`
	AvatarURL string       `json:"avatar_url,omitempty"`
	Email     string       `json:"email,omitempty"`
}

// LoggedIn reports whether presentation layers may show the identity as
// signed in. Anonymous identities never are.
func (r *ResolvedIdentity) LoggedIn() bool {
	return r != nil && !r.Anonymous
}

// Resolve builds a ResolvedIdentity from a session. Profile fields are only
// carried for authenticated sessions.
func Resolve(s *Session) *ResolvedIdentity {
	if s == nil {
		return nil
	}
	r := &ResolvedIdentity{
		Key:       s.IdentityKey,
		Anonymous: s.Anonymous(),
		Provider:  s.Provider,
	}
	if !r.Anonymous {
		r.Name = s.Attributes[AttrName]
		r.AvatarURL = s.Attributes[AttrAvatarURL]
		r.Email = s.Attributes[AttrEmail]
	}
	return r
}
