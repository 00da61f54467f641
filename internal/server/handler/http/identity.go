// Package http provides the HTTP handlers and routing of the identity
// service.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atinyakov/GophSession/internal/middleware"
	"github.com/atinyakov/GophSession/internal/models"
	"github.com/atinyakov/GophSession/internal/service"
	"go.uber.org/zap"
)

// IdentityService defines the operations the handlers need.
type IdentityService interface {
	CreateAnonymous(ctx context.Context) (*service.Issued, error)
	Session(ctx context.Context, accessToken string) (*service.Issued, error)
	Authorize(ctx context.Context, provider, login string) (string, error)
	Exchange(ctx context.Context, code string) (*service.Issued, error)
	Refresh(ctx context.Context, refreshToken string) (*service.Issued, error)
	SignOut(ctx context.Context, accessToken string) error
}

// IdentityHandler serves the identity API.
type IdentityHandler struct {
	// Service performs the underlying identity operations.
	Service IdentityService
	// PublicURL is the externally visible base URL used in SSO links.
	PublicURL string
	// Log receives internal errors. Nil disables logging.
	Log *zap.Logger
}

// SessionResponse is the JSON shape of an issued or resolved session.
type SessionResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Identity     models.Identity `json:"identity"`
}

func toResponse(is *service.Issued, withRefresh bool) SessionResponse {
	resp := SessionResponse{
		AccessToken: is.Session.AccessToken,
		ExpiresAt:   is.Session.ExpiresAt,
		Identity:    *is.Identity,
	}
	if withRefresh {
		resp.RefreshToken = is.Session.RefreshToken
	}
	return resp
}

// CreateAnonymous handles POST /api/anonymous.
func (h *IdentityHandler) CreateAnonymous(w http.ResponseWriter, r *http.Request) {
	is, err := h.Service.CreateAnonymous(r.Context())
	if err != nil {
		h.internal(w, "create anonymous identity", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(is, true))
}

// Session handles GET /api/session. It must run behind SessionAuth.
func (h *IdentityHandler) Session(w http.ResponseWriter, r *http.Request) {
	is, err := h.Service.Session(r.Context(), middleware.GetTokenFromContext(r.Context()))
	if errors.Is(err, service.ErrSessionNotFound) {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.internal(w, "read session", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(is, false))
}

// Authorize handles GET /api/authorize. The development provider approves
// the request immediately and redirects to return_url with a code, or with
// error and error_description on failure.
func (h *IdentityHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := url.Parse(q.Get("return_url"))
	if err != nil || target.Scheme == "" || target.Host == "" {
		http.Error(w, "invalid return_url", http.StatusBadRequest)
		return
	}

	params := target.Query()
	code, err := h.Service.Authorize(r.Context(), q.Get("provider"), q.Get("login"))
	switch {
	case errors.Is(err, service.ErrInvalidProvider):
		params.Set("error", "invalid_request")
		params.Set("error_description", "unknown provider")
	case err != nil:
		h.logger().Error("authorize failed", zap.Error(err))
		params.Set("error", "server_error")
	default:
		params.Set("code", code)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// SSORequest is the JSON payload of POST /api/sso.
type SSORequest struct {
	Domain    string `json:"domain"`
	ReturnURL string `json:"return_url"`
}

// SSO handles POST /api/sso and answers with the authorize URL for the
// domain's SSO provider.
func (h *IdentityHandler) SSO(w http.ResponseWriter, r *http.Request) {
	var req SSORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Domain) == "" || req.ReturnURL == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	q := url.Values{}
	q.Set("provider", "sso:"+strings.ToLower(strings.TrimSpace(req.Domain)))
	q.Set("return_url", req.ReturnURL)
	u := strings.TrimRight(h.PublicURL, "/") + "/api/authorize?" + q.Encode()
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// Token handles POST /api/token, redeeming an authorization code.
func (h *IdentityHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	is, err := h.Service.Exchange(r.Context(), req.Code)
	if errors.Is(err, service.ErrCodeInvalid) {
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.internal(w, "exchange code", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(is, true))
}

// Refresh handles POST /api/token/refresh.
func (h *IdentityHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	is, err := h.Service.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, service.ErrRefreshInvalid) {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.internal(w, "refresh session", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(is, true))
}

// SignOut handles POST /api/signout. It must run behind SessionAuth.
func (h *IdentityHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.SignOut(r.Context(), middleware.GetTokenFromContext(r.Context())); err != nil {
		h.internal(w, "sign out", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IdentityHandler) internal(w http.ResponseWriter, op string, err error) {
	h.logger().Error(op+" failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *IdentityHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
