package repository

import (
	"context"
	"errors"

	"sitinov-auth/backend/internal/user/domain"
)

// ErrEmailTaken is returned by Create and Update when another user already has the email.
var ErrEmailTaken = errors.New("email already registered")

// Repository defines persistence for users. Lookups return nil, nil when no row matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail matches case-insensitively.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create persists u. The user must have ID set; it is not assigned by this method.
	Create(ctx context.Context, u *domain.User) error
	// Update applies upd to the user with id and returns the updated record, or nil if none exists.
	Update(ctx context.Context, id string, upd domain.Update) (*domain.User, error)
}
