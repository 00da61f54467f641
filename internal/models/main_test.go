package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityKind(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want ProviderKind
	}{
		{"anonymous", Identity{Anonymous: true, Provider: "anonymous"}, ProviderAnonymous},
		{"oauth", Identity{Provider: "github"}, ProviderOAuth},
		{"sso", Identity{Provider: "sso:acme.com"}, ProviderSSO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Kind())
		})
	}
}

func TestResolve_AnonymousHidesProfile(t *testing.T) {
	s := &Session{
		IdentityKey: "anon-1",
		Provider:    ProviderAnonymous,
		Attributes:  map[string]string{AttrName: "ghost"},
	}
	r := Resolve(s)
	assert.Equal(t, "anon-1", r.Key)
	assert.True(t, r.Anonymous)
	assert.False(t, r.LoggedIn())
	assert.Empty(t, r.Name)
}

func TestResolve_Authenticated(t *testing.T) {
	s := &Session{
		IdentityKey: "user-1",
		Provider:    ProviderOAuth,
		Attributes: map[string]string{
			AttrName:      "Alice",
			AttrEmail:     "alice@example.com",
			AttrAvatarURL: "https://example.com/a.png",
		},
	}
	r := Resolve(s)
	assert.True(t, r.LoggedIn())
	assert.Equal(t, "Alice", r.Name)
	assert.Equal(t, "alice@example.com", r.Email)
	assert.Equal(t, "https://example.com/a.png", r.AvatarURL)
}

func TestResolve_Nil(t *testing.T) {
	assert.Nil(t, Resolve(nil))
	var r *ResolvedIdentity
	assert.False(t, r.LoggedIn())
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Session{}).Expired(now), "zero expiry never expires")
	assert.True(t, (&Session{ExpiresAt: now}).Expired(now))
	assert.False(t, (&Session{ExpiresAt: now.Add(time.Minute)}).Expired(now))
}
