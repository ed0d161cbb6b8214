package interceptors

import (
	"context"
	"net/http"
	"strings"

	"sitinov-auth/backend/internal/security"
	userdomain "sitinov-auth/backend/internal/user/domain"
)

const bearerPrefix = "bearer "

// Authenticator resolves a presented token; implemented by *service.AuthService.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*security.SessionClaims, *userdomain.User, error)
}

// ErrorWriter renders a service error as an HTTP response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// RequireAuth returns middleware that validates the Bearer token and stores the
// session claims in the request context. Requests without a usable token never
// reach next; the failure is rendered by writeErr.
func RequireAuth(auth Authenticator, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _, err := auth.Authenticate(r.Context(), extractBearer(r))
			if err != nil {
				writeErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims)))
		})
	}
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
