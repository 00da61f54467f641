// Package redirect recognizes page loads that complete a provider sign-in.
package redirect

import (
	"fmt"
	"net/url"
)

// Parameter names that mark an identity callback.
const (
	ParamCode             = "code"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
	ParamAccessToken      = "access_token"
	ParamRefreshToken     = "refresh_token"
)

// Callback holds the callback markers found in a URL. Query parameters win
// over fragment parameters of the same name.
type Callback struct {
	Code             string
	Error            string
	ErrorDescription string
	AccessToken      string
	RefreshToken     string
}

// ProviderRedirectError reports a callback that arrived with an error
// parameter.
type ProviderRedirectError struct {
	Code        string
	Description string
}

func (e *ProviderRedirectError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("sign-in failed: %s", e.Code)
	}
	return fmt.Sprintf("sign-in failed: %s: %s", e.Code, e.Description)
}

// Parse extracts callback markers from rawURL. An unparseable URL yields an
// empty Callback.
func Parse(rawURL string) Callback {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Callback{}
	}
	query := u.Query()
	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil {
		fragment = url.Values{}
	}

	get := func(name string) string {
		if v := query.Get(name); v != "" {
			return v
		}
		return fragment.Get(name)
	}
	return Callback{
		Code:             get(ParamCode),
		Error:            get(ParamError),
		ErrorDescription: get(ParamErrorDescription),
		AccessToken:      get(ParamAccessToken),
		RefreshToken:     get(ParamRefreshToken),
	}
}

// InProgress reports whether the callback carries any sign-in marker.
func (c Callback) InProgress() bool {
	return c.Code != "" || c.Error != "" || c.HasTokens()
}

// HasTokens reports whether the callback carries token fragments.
func (c Callback) HasTokens() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}

// Err returns a *ProviderRedirectError when the provider reported a failure.
func (c Callback) Err() error {
	if c.Error == "" {
		return nil
	}
	return &ProviderRedirectError{Code: c.Error, Description: c.ErrorDescription}
}

// InProgress reports whether rawURL is a sign-in callback: it carries an
// authorization code, an error, or access/refresh token markers.
func InProgress(rawURL string) bool {
	return Parse(rawURL).InProgress()
}
