package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type httpIdentity struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	IsAnonymous bool   `json:"is_anonymous"`
	Name        string `json:"name,omitempty"`
}

type httpSession struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Identity     *httpIdentity `json:"identity"`
}

// HTTPService is an identity service speaking the JSON API over a local
// listener, for tests that run the real remote client. Refresh tokens are
// single use.
type HTTPService struct {
	URL string

	srv *httptest.Server

	mu            sync.Mutex
	seq           int
	ttl           time.Duration
	sessions      map[string]httpSession // access token -> session
	refresh       map[string]string      // refresh token -> access token
	codes         map[string]httpIdentity
	beforeRefresh func()

	// AnonymousCreated counts POST /api/anonymous.
	AnonymousCreated atomic.Int32
	// Refreshes counts successful rotations.
	Refreshes atomic.Int32
}

// NewHTTPService starts a service that is shut down when t ends. Tokens
// live for an hour unless SetTTL says otherwise.
func NewHTTPService(t testing.TB) *HTTPService {
	s := &HTTPService{
		ttl:      time.Hour,
		sessions: make(map[string]httpSession),
		refresh:  make(map[string]string),
		codes:    make(map[string]httpIdentity),
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// HTTPClient returns a client for the listener.
func (s *HTTPService) HTTPClient() *http.Client { return s.srv.Client() }

// SetTTL changes the lifetime of tokens issued from now on.
func (s *HTTPService) SetTTL(d time.Duration) {
	s.mu.Lock()
	s.ttl = d
	s.mu.Unlock()
}

// IssueCode prepares an authorization code for a new identity named name.
func (s *HTTPService) IssueCode(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	code := fmt.Sprintf("code-%d", s.seq)
	s.codes[code] = httpIdentity{ID: fmt.Sprintf("user-%d", s.seq), Provider: "github", Name: name}
	return code
}

// BeforeRefresh runs fn once, when the next refresh request arrives and
// before it is served.
func (s *HTTPService) BeforeRefresh(fn func()) {
	s.mu.Lock()
	s.beforeRefresh = fn
	s.mu.Unlock()
}

// issue must be called with s.mu held.
func (s *HTTPService) issue(id httpIdentity) httpSession {
	s.seq++
	sess := httpSession{
		AccessToken:  fmt.Sprintf("access-%d", s.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", s.seq),
		ExpiresAt:    time.Now().Add(s.ttl).UTC(),
		Identity:     &id,
	}
	s.sessions[sess.AccessToken] = sess
	s.refresh[sess.RefreshToken] = sess.AccessToken
	return sess
}

func (s *HTTPService) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/anonymous", s.anonymous)
		r.Post("/token", s.token)
		r.Post("/token/refresh", s.rotate)
		r.Get("/session", s.session)
		r.Post("/signout", s.signOut)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *HTTPService) anonymous(w http.ResponseWriter, r *http.Request) {
	s.AnonymousCreated.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, s.issue(httpIdentity{ID: fmt.Sprintf("anon-%d", s.seq+1), Provider: "anonymous", IsAnonymous: true}))
}

func (s *HTTPService) token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[req.Code]
	if !ok {
		http.Error(w, "invalid code", http.StatusBadRequest)
		return
	}
	delete(s.codes, req.Code)
	writeJSON(w, s.issue(id))
}

func (s *HTTPService) rotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	hook := s.beforeRefresh
	s.beforeRefresh = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	access, ok := s.refresh[req.RefreshToken]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	old := s.sessions[access]
	delete(s.sessions, access)
	delete(s.refresh, req.RefreshToken)
	s.Refreshes.Add(1)
	writeJSON(w, s.issue(*old.Identity))
}

func (s *HTTPService) session(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[bearer(r)]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess.RefreshToken = ""
	writeJSON(w, sess)
}

func (s *HTTPService) signOut(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := bearer(r)
	sess, ok := s.sessions[tok]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	delete(s.sessions, tok)
	delete(s.refresh, sess.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}
