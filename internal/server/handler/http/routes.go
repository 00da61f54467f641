package http

import (
	"net/http"

	"github.com/atinyakov/GophSession/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs and returns an HTTP handler that serves the identity
// API under /api.
//
// Routes:
//
//	POST /api/anonymous      → h.CreateAnonymous
//	GET  /api/authorize      → h.Authorize
//	POST /api/sso            → h.SSO
//	POST /api/token          → h.Token
//	POST /api/token/refresh  → h.Refresh
//	GET  /api/session        → h.Session (bearer token required)
//	POST /api/signout        → h.SignOut (bearer token required)
//
// Middleware chain (applied in order):
//  1. AllowContentType("application/json") rejects non-JSON bodies
//  2. WithRequestLogging(logger) logs each request
//  3. SessionAuth(validator) on the protected group only
func NewRouter(h *IdentityHandler, validator middleware.SessionValidator, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Only allow requests with Content-Type: application/json
	r.Use(chiMiddleware.AllowContentType("application/json"))

	// Log each request and its metadata
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Post("/anonymous", h.CreateAnonymous)
		r.Get("/authorize", h.Authorize)
		r.Post("/sso", h.SSO)
		r.Post("/token", h.Token)
		r.Post("/token/refresh", h.Refresh)

		// Protected group: requires a live bearer token
		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(validator))
			r.Get("/session", h.Session)
			r.Post("/signout", h.SignOut)
		})
	})

	return r
}
