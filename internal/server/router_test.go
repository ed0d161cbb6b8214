package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sitinov-auth/backend/internal/health"
	"sitinov-auth/backend/internal/identity/service"
	"sitinov-auth/backend/internal/secretstore"
	"sitinov-auth/backend/internal/security"
	userrepo "sitinov-auth/backend/internal/user/repository"
)

func newTestRouter(t *testing.T, checker *health.Checker) http.Handler {
	t.Helper()
	backend := secretstore.NewMemoryBackend()
	backend.Put("secret/jwt/test", map[string]any{"secret": "key-a", "expires_in": "1h"})
	svc := service.NewAuthService(service.Deps{
		Users:       userrepo.NewMemoryRepository(),
		Bundles:     secretstore.NewClient(backend, secretstore.Options{}),
		Hasher:      security.NewHashPool(security.NewHasher(4), 2),
		Tokens:      security.NewJWTCodec("test-issuer", "test-audience"),
		Environment: "test",
	})
	return NewRouter(Deps{Auth: svc, Health: checker})
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestRouter_Routes(t *testing.T) {
	h := newTestRouter(t, nil)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health/ready", "").Code)

	rec := serve(h, http.MethodPost, "/auth/register", `{"email":"a@x.com","password":"Secure123!","firstName":"A","lastName":"B"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/auth/profile", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/auth/logout", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/auth/login", "").Code)
}

func TestRouter_ReadinessFailure(t *testing.T) {
	checker := health.NewChecker(health.PingFunc(func(context.Context) error { return errors.New("down") }), nil)
	h := newTestRouter(t, checker)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/health/ready", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", "").Code)
}

func TestNewGRPCServer(t *testing.T) {
	s, hs := NewGRPCServer()
	t.Cleanup(s.Stop)

	assert.Contains(t, s.GetServiceInfo(), "grpc.health.v1.Health")
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
