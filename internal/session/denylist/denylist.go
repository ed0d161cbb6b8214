// Package denylist revokes individual session tokens before their natural expiry.
// Entries are keyed by token id (jti) and live exactly as long as the token would.
package denylist

import (
	"context"
	"time"
)

// Denylist records revoked token ids.
type Denylist interface {
	// Revoke marks id revoked for ttl. A non-positive ttl is a no-op: the token has already expired.
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	// IsRevoked reports whether id was revoked and has not yet aged out.
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// Nop never revokes anything. Logout stays advisory when it is configured.
type Nop struct{}

func (Nop) Revoke(context.Context, string, time.Duration) error { return nil }
func (Nop) IsRevoked(context.Context, string) (bool, error) { return false, nil }
