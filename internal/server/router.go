// Package server assembles the HTTP API and the gRPC health endpoint.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sitinov-auth/backend/internal/health"
	identityhandler "sitinov-auth/backend/internal/identity/handler"
	"sitinov-auth/backend/internal/server/interceptors"
)

// AuthService is what the router needs from *service.AuthService.
type AuthService interface {
	identityhandler.AuthService
	interceptors.Authenticator
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	// Auth serves /auth. Required.
	Auth AuthService
	// Health probes dependencies for /health/ready. If nil, readiness always reports ok.
	Health *health.Checker
	// RequestTimeout bounds each request; 30s when zero.
	RequestTimeout time.Duration
}

// unlogged paths are polled by orchestrators and would drown the access log.
var unlogged = map[string]bool{"/health": true, "/health/ready": true}

// NewRouter returns the HTTP handler of the API.
//
// Routes:
//   - POST /auth/login, POST /auth/register                   (public)
//   - GET|PUT /auth/profile, POST /auth/change-password,
//     POST /auth/refresh, POST /auth/logout                   (Bearer token)
//   - GET /health, GET /health/ready
func NewRouter(deps Deps) http.Handler {
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker(nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(interceptors.ClientIPMiddleware)
	r.Use(interceptors.RequestLogger(unlogged))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", health.LivenessHandler(nil))
	r.Get("/health/ready", health.ReadinessHandler(checker))

	requireAuth := interceptors.RequireAuth(deps.Auth, identityhandler.WriteError)
	r.Mount("/auth", identityhandler.NewHandler(deps.Auth).Routes(requireAuth))

	return otelhttp.NewHandler(r, "sitinov-auth",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool { return !unlogged[r.URL.Path] }),
	)
}
