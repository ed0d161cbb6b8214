package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"sitinov-auth/backend/internal/user/domain"
)

// MemoryRepository is an in-process Repository used in development when no
// database is configured, and by tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.User
	byEmail map[string]string
	now     func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(u), nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return clone(r.byID[id]), nil
}

func (r *MemoryRepository) Create(_ context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	key := domain.NormalizeEmail(u.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byEmail[key]; taken {
		return ErrEmailTaken
	}
	c := clone(u)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	r.byID[c.ID] = c
	r.byEmail[key] = c.ID
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, upd domain.Update) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	oldKey := domain.NormalizeEmail(u.Email)
	if upd.Email != nil {
		newKey := domain.NormalizeEmail(*upd.Email)
		if owner, taken := r.byEmail[newKey]; taken && owner != id {
			return nil, ErrEmailTaken
		}
	}
	next := clone(u)
	next.Apply(upd)
	next.UpdatedAt = r.now().UTC()
	r.byID[id] = next
	if newKey := domain.NormalizeEmail(next.Email); newKey != oldKey {
		delete(r.byEmail, oldKey)
		r.byEmail[newKey] = id
	}
	return clone(next), nil
}

// SetActive flips the active flag. Account administration is external to the
// auth core; tests and seeding use this to stage deactivated users.
func (r *MemoryRepository) SetActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		u.IsActive = active
	}
}

func clone(u *domain.User) *domain.User {
	c := *u
	c.SiteIDs = slices.Clone(u.SiteIDs)
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	if u.LastLogout != nil {
		t := *u.LastLogout
		c.LastLogout = &t
	}
	return &c
}
