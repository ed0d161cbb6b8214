package interceptors

import (
	"context"

	"sitinov-auth/backend/internal/security"
)

type contextKey struct{ name string }

var (
	claimsKey   = contextKey{"claims"}
	clientIPKey = contextKey{"client_ip"}
)

// WithIdentity returns a context carrying the validated session claims.
// Handlers read them via GetUserID and GetClaims.
func WithIdentity(ctx context.Context, claims *security.SessionClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims returns the session claims from context and true if set; otherwise nil, false.
func GetClaims(ctx context.Context) (*security.SessionClaims, bool) {
	v, ok := ctx.Value(claimsKey).(*security.SessionClaims)
	return v, ok && v != nil
}

// GetUserID returns the token subject from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	c, ok := GetClaims(ctx)
	if !ok || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

// WithClientIP returns a context carrying the resolved client IP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the IP stored by ClientIPMiddleware, or "".
// It satisfies audit.IPExtractor.
func ClientIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey).(string)
	return v
}
