package redirect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProgress(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"plain page", "https://app.test/todos", false},
		{"unrelated query", "https://app.test/?tab=2#section", false},
		{"empty", "", false},
		{"authorization code", "https://app.test/callback?code=abc&state=x", true},
		{"provider error", "https://app.test/callback?error=access_denied", true},
		{"access token fragment", "https://app.test/#access_token=t&token_type=bearer", true},
		{"refresh token fragment", "https://app.test/#refresh_token=r", true},
		{"code in fragment", "https://app.test/#code=abc", true},
		{"empty code", "https://app.test/?code=", false},
		{"unparseable", "http://[::1:80/%zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InProgress(tt.url))
		})
	}
}

func TestParse(t *testing.T) {
	cb := Parse("https://app.test/cb?code=q#code=f&access_token=at&refresh_token=rt")
	assert.Equal(t, "q", cb.Code, "query wins over fragment")
	assert.Equal(t, "at", cb.AccessToken)
	assert.Equal(t, "rt", cb.RefreshToken)
	assert.True(t, cb.HasTokens())
	assert.NoError(t, cb.Err())
}

func TestCallbackErr(t *testing.T) {
	cb := Parse("https://app.test/cb?error=access_denied&error_description=user+cancelled")
	err := cb.Err()
	require.Error(t, err)

	var pre *ProviderRedirectError
	require.True(t, errors.As(err, &pre))
	assert.Equal(t, "access_denied", pre.Code)
	assert.Equal(t, "sign-in failed: access_denied: user cancelled", err.Error())

	assert.Equal(t, "sign-in failed: denied", (&ProviderRedirectError{Code: "denied"}).Error())
}
