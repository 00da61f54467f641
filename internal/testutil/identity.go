// Package testutil provides fake remote identity services for tests
// of the client coordinator.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/models"
)

// SessionKey is where Client persists its token, like the real remote client.
const SessionKey = "auth.session"

// ErrUnknownCode is returned for codes the server never issued.
var ErrUnknownCode = errors.New("unknown authorization code")

// IdentityServer is the shared back end behind every Client.
type IdentityServer struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // token -> session
	codes    map[string]*models.Session
	seq      int

	// AnonymousCreated counts CreateAnonymousIdentity calls.
	AnonymousCreated atomic.Int32
}

// NewIdentityServer returns an empty server.
func NewIdentityServer() *IdentityServer {
	return &IdentityServer{
		sessions: make(map[string]*models.Session),
		codes:    make(map[string]*models.Session),
	}
}

func (s *IdentityServer) issue(kind models.ProviderKind, attrs map[string]string) (string, *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	sess := &models.Session{
		IdentityKey: fmt.Sprintf("%s-%d", kind, s.seq),
		Provider:    kind,
		Attributes:  attrs,
		AccessToken: fmt.Sprintf("token-%d", s.seq),
	}
	s.sessions[sess.AccessToken] = sess
	return sess.AccessToken, sess
}

// IssueCode prepares an authorization code that exchanges into a new
// authenticated session named name.
func (s *IdentityServer) IssueCode(name string) string {
	_, sess := s.issue(models.ProviderOAuth, map[string]string{models.AttrName: name})
	s.mu.Lock()
	defer s.mu.Unlock()
	code := "code-" + sess.AccessToken
	s.codes[code] = sess
	return code
}

func (s *IdentityServer) lookup(token string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[token]
}

func (s *IdentityServer) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Client is one instance's identity client. It keeps its token in the
// instance's shared store view, so siblings observe sign-ins.
type Client struct {
	srv   *IdentityServer
	store storage.Store

	// ReadHook, when set, runs before every CurrentSession; a non-nil error
	// fails the read.
	ReadHook func(ctx context.Context) error
	// CreateHook, when set, runs before every CreateAnonymousIdentity.
	CreateHook func(ctx context.Context) error
	// NavigateErr, when set, fails redirects.
	NavigateErr error

	mu         sync.Mutex
	subs       map[int]func(models.SessionEvent)
	next       int
	navigated  []string
	reads      atomic.Int32
	exchanged  []string
	signOutErr error
}

// Client returns a client bound to store.
func (s *IdentityServer) Client(store storage.Store) *Client {
	return &Client{srv: s, store: store, subs: make(map[int]func(models.SessionEvent))}
}

// SetSignOutErr makes SignOut fail with err.
func (c *Client) SetSignOutErr(err error) {
	c.mu.Lock()
	c.signOutErr = err
	c.mu.Unlock()
}

// Reads returns the number of CurrentSession calls.
func (c *Client) Reads() int { return int(c.reads.Load()) }

// Navigated returns the URLs the client was asked to navigate to.
func (c *Client) Navigated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.navigated...)
}

// CurrentSession implements the identity service contract.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	c.reads.Add(1)
	if c.ReadHook != nil {
		if err := c.ReadHook(ctx); err != nil {
			return nil, err
		}
	}
	tok, ok := c.store.Get(SessionKey)
	if !ok {
		return nil, nil
	}
	return c.srv.lookup(tok), nil
}

// CreateAnonymousIdentity implements the identity service contract.
func (c *Client) CreateAnonymousIdentity(ctx context.Context) (*models.Session, error) {
	if c.CreateHook != nil {
		if err := c.CreateHook(ctx); err != nil {
			return nil, err
		}
	}
	c.srv.AnonymousCreated.Add(1)
	tok, sess := c.srv.issue(models.ProviderAnonymous, nil)
	if err := c.store.Set(SessionKey, tok); err != nil {
		return nil, err
	}
	c.emit(models.SessionEvent{Kind: models.SessionSignedIn, Session: sess})
	return sess, nil
}

// BeginOAuthRedirect records the navigation to the provider.
func (c *Client) BeginOAuthRedirect(ctx context.Context, provider, returnURL string) error {
	return c.navigate("oauth:" + provider + "?return_url=" + url.QueryEscape(returnURL))
}

// BeginSSORedirect records the navigation to the SSO provider.
func (c *Client) BeginSSORedirect(ctx context.Context, domain, returnURL string) error {
	return c.navigate("sso:" + domain + "?return_url=" + url.QueryEscape(returnURL))
}

func (c *Client) navigate(u string) error {
	if c.NavigateErr != nil {
		return c.NavigateErr
	}
	c.mu.Lock()
	c.navigated = append(c.navigated, u)
	c.mu.Unlock()
	return nil
}

// ExchangeCallback trades a code for a session, persists it and emits
// SignedIn.
func (c *Client) ExchangeCallback(ctx context.Context, code string) (*models.Session, error) {
	c.srv.mu.Lock()
	sess, ok := c.srv.codes[code]
	delete(c.srv.codes, code)
	c.srv.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCode
	}
	c.mu.Lock()
	c.exchanged = append(c.exchanged, code)
	c.mu.Unlock()
	if err := c.store.Set(SessionKey, sess.AccessToken); err != nil {
		return nil, err
	}
	c.emit(models.SessionEvent{Kind: models.SessionSignedIn, Session: sess})
	return sess, nil
}

// SignInAs completes a sign-in without a redirect, as another tab would
// after its own callback.
func (c *Client) SignInAs(name string) *models.Session {
	tok, sess := c.srv.issue(models.ProviderOAuth, map[string]string{models.AttrName: name})
	_ = c.store.Set(SessionKey, tok)
	c.emit(models.SessionEvent{Kind: models.SessionSignedIn, Session: sess})
	return sess
}

// SignOut revokes the session and clears the stored token.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	err := c.signOutErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if tok, ok := c.store.Get(SessionKey); ok {
		c.srv.revoke(tok)
	}
	if err := c.store.Remove(SessionKey); err != nil {
		return err
	}
	c.emit(models.SessionEvent{Kind: models.SessionSignedOut})
	return nil
}

// OnSessionChanged subscribes fn to session events.
func (c *Client) OnSessionChanged(fn func(models.SessionEvent)) func() {
	c.mu.Lock()
	c.next++
	id := c.next
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
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

// Exchanged returns the codes exchanged so far.
func (c *Client) Exchanged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exchanged...)
}

// SetAttribute changes a profile attribute on every live session of the
// identity. Sessions already handed out are left untouched.
func (s *IdentityServer) SetAttribute(identityKey, attr, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, sess := range s.sessions {
		if sess.IdentityKey != identityKey {
			continue
		}
		cp := *sess
		cp.Attributes = make(map[string]string, len(sess.Attributes)+1)
		for k, v := range sess.Attributes {
			cp.Attributes[k] = v
		}
		cp.Attributes[attr] = value
		s.sessions[tok] = &cp
	}
}
