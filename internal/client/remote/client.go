// Package remote is the HTTP client of the identity service. It keeps the
// token bundle in the shared store, so a sign-in made by one instance is
// visible to every sibling through store notifications.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/models"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
)

// SessionKey is the store key holding the token bundle.
const SessionKey = "auth.session"

// TimerRefresh is the abtime id of the auto-refresh wait.
const TimerRefresh = 1

// Navigator hands the user to a provider URL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(ctx context.Context, url string) error { return f(ctx, url) }

// Client talks to the identity service.
type Client struct {
	baseURL string
	http    *http.Client
	store   storage.Store
	nav     Navigator
	clock   abtime.AbstractTime
	log     *zap.Logger

	// refreshMu serialises token rotation within the instance.
	refreshMu sync.Mutex

	mu   sync.Mutex
	subs map[int]func(models.SessionEvent)
	next int
}

// New returns a client for the service at baseURL. A nil httpClient means
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client, store storage.Store, nav Navigator, clock abtime.AbstractTime, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
		nav:     nav,
		clock:   clock,
		log:     log.With(zap.String("component", "remote")),
		subs:    make(map[int]func(models.SessionEvent)),
	}
}

// CurrentSession returns the session of the stored token, or nil when there
// is none or the service no longer knows it. An expired access token is
// refreshed first. A rejection is retried once when a sibling replaced the
// stored tokens in the meantime.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	b, ok := c.bundle()
	if !ok {
		return nil, nil
	}
	s, err := c.sessionOf(ctx, b)
	if errors.Is(err, ErrUnauthorized) {
		cur, ok := c.bundle()
		if !ok || cur.AccessToken == b.AccessToken {
			return nil, nil
		}
		c.log.Debug("stored session replaced while reading, retrying")
		s, err = c.sessionOf(ctx, cur)
		if errors.Is(err, ErrUnauthorized) {
			return nil, nil
		}
	}
	return s, err
}

func (c *Client) sessionOf(ctx context.Context, b tokenBundle) (*models.Session, error) {
	if b.ExpiresAt.IsZero() || c.clock.Now().Before(b.ExpiresAt) {
		return c.lookup(ctx, b)
	}
	if b.RefreshToken == "" {
		return nil, ErrUnauthorized
	}
	return c.refreshFrom(ctx, b)
}

func (c *Client) lookup(ctx context.Context, b tokenBundle) (*models.Session, error) {
	var w wireSession
	if err := c.do(ctx, http.MethodGet, "/api/session", b.AccessToken, nil, &w); err != nil {
		return nil, err
	}
	return w.toSession()
}

// CreateAnonymousIdentity implements the identity service contract.
func (c *Client) CreateAnonymousIdentity(ctx context.Context) (*models.Session, error) {
	var w wireSession
	if err := c.do(ctx, http.MethodPost, "/api/anonymous", "", nil, &w); err != nil {
		return nil, err
	}
	return c.establish(&w, models.SessionSignedIn)
}

// BeginOAuthRedirect sends the user to the provider's authorization page.
func (c *Client) BeginOAuthRedirect(ctx context.Context, provider, returnURL string) error {
	q := url.Values{}
	q.Set("provider", provider)
	q.Set("return_url", returnURL)
	return c.navigate(ctx, c.baseURL+"/api/authorize?"+q.Encode())
}

// BeginSSORedirect asks the service for the SSO entry point of domain and
// sends the user there.
func (c *Client) BeginSSORedirect(ctx context.Context, domain, returnURL string) error {
	req := struct {
		Domain    string `json:"domain"`
		ReturnURL string `json:"return_url"`
	}{domain, returnURL}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sso", "", req, &resp); err != nil {
		return err
	}
	if resp.URL == "" {
		return &NetworkError{Op: "sso", Err: errMalformed}
	}
	return c.navigate(ctx, resp.URL)
}

func (c *Client) navigate(ctx context.Context, u string) error {
	if c.nav == nil {
		return errors.New("no navigator configured")
	}
	c.log.Info("handing off to provider", zap.String("url", u))
	return c.nav.Navigate(ctx, u)
}

// ExchangeCallback trades an authorization code for a session.
func (c *Client) ExchangeCallback(ctx context.Context, code string) (*models.Session, error) {
	req := struct {
		Code string `json:"code"`
	}{code}
	var w wireSession
	if err := c.do(ctx, http.MethodPost, "/api/token", "", req, &w); err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return c.establish(&w, models.SessionSignedIn)
}

// AdoptTokens stores a token pair delivered in a callback fragment and
// reads its session.
func (c *Client) AdoptTokens(ctx context.Context, accessToken, refreshToken string) (*models.Session, error) {
	var w wireSession
	if err := c.do(ctx, http.MethodGet, "/api/session", accessToken, nil, &w); err != nil {
		return nil, fmt.Errorf("adopt tokens: %w", err)
	}
	w.AccessToken = accessToken
	w.RefreshToken = refreshToken
	return c.establish(&w, models.SessionSignedIn)
}

// Refresh rotates the stored tokens.
func (c *Client) Refresh(ctx context.Context) (*models.Session, error) {
	b, ok := c.bundle()
	if !ok || b.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	return c.refreshFrom(ctx, b)
}

// refreshFrom rotates seen unless a sibling already did. Refresh tokens are
// single use, so the stored bundle is checked again before the call and after
// a rejection; a newer bundle is read instead of rotated.
func (c *Client) refreshFrom(ctx context.Context, seen tokenBundle) (*models.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if cur, ok := c.rotated(seen); ok {
		return c.lookup(ctx, cur)
	}
	req := struct {
		RefreshToken string `json:"refresh_token"`
	}{seen.RefreshToken}
	var w wireSession
	err := c.do(ctx, http.MethodPost, "/api/token/refresh", "", req, &w)
	if errors.Is(err, ErrUnauthorized) {
		if cur, ok := c.rotated(seen); ok {
			c.log.Debug("refresh token rotated by a sibling")
			return c.lookup(ctx, cur)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return c.establish(&w, models.SessionTokenRefreshed)
}

// rotated reports the stored bundle when it no longer carries seen's refresh
// token.
func (c *Client) rotated(seen tokenBundle) (tokenBundle, bool) {
	cur, ok := c.bundle()
	if !ok || cur.RefreshToken == seen.RefreshToken {
		return tokenBundle{}, false
	}
	return cur, true
}

// SignOut ends the session on the service and forgets the stored tokens. A
// token the service already rejects counts as signed out.
func (c *Client) SignOut(ctx context.Context) error {
	if b, ok := c.bundle(); ok {
		err := c.do(ctx, http.MethodPost, "/api/signout", b.AccessToken, nil, nil)
		if err != nil && !errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("sign out: %w", err)
		}
	}
	if err := c.store.Remove(SessionKey); err != nil {
		return fmt.Errorf("forget session: %w", err)
	}
	c.emit(models.SessionEvent{Kind: models.SessionSignedOut})
	return nil
}

// OnSessionChanged subscribes fn to session events raised by this client.
func (c *Client) OnSessionChanged(fn func(models.SessionEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// StartAutoRefresh refreshes the access token once it is within lead of
// expiry, checking every interval until ctx is done.
func (c *Client) StartAutoRefresh(ctx context.Context, interval, lead time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(interval, TimerRefresh):
			}
			b, ok := c.bundle()
			if !ok || b.RefreshToken == "" || b.ExpiresAt.IsZero() {
				continue
			}
			if c.clock.Now().Add(lead).Before(b.ExpiresAt) {
				continue
			}
			if _, err := c.Refresh(ctx); err != nil {
				c.log.Warn("token refresh failed", zap.Error(err))
			}
		}
	}()
}

func (c *Client) establish(w *wireSession, kind models.SessionEventKind) (*models.Session, error) {
	s, err := w.toSession()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(w.bundle())
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(SessionKey, string(raw)); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	c.emit(models.SessionEvent{Kind: kind, Session: s})
	return s, nil
}

func (c *Client) bundle() (tokenBundle, bool) {
	raw, ok := c.store.Get(SessionKey)
	if !ok {
		return tokenBundle{}, false
	}
	var b tokenBundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil || b.AccessToken == "" {
		c.log.Warn("ignoring unreadable stored session", zap.Error(err))
		return tokenBundle{}, false
	}
	return b, true
}

func (c *Client) emit(ev models.SessionEvent) {
	c.mu.Lock()
	fns := make([]func(models.SessionEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// do sends a JSON request and decodes a JSON answer into out. 401 maps to
// ErrUnauthorized; transport failures and 5xx map to *NetworkError.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &NetworkError{Op: path, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: path, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	return nil
}
