package domain

import (
	"errors"
	"strings"
	"time"
)

// Role is a user's privilege tier.
type Role string

const (
	// RoleUser is the least-privileged tier and the default for new accounts.
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is the core user entity.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Company      string // optional
	Role         Role
	IsActive     bool
	LastLogin    *time.Time
	LastLogout   *time.Time
	SiteIDs      []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address so uniqueness is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PublicUser is the projection of a User safe to return to clients. It never
// carries the password hash.
type PublicUser struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Company   string     `json:"company,omitempty"`
	Role      Role       `json:"role"`
	IsActive  bool       `json:"isActive"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
	SiteIDs   []string   `json:"siteIds"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Public returns the client-facing projection of u.
func (u *User) Public() *PublicUser {
	sites := u.SiteIDs
	if sites == nil {
		sites = []string{}
	}
	return &PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Company:   u.Company,
		Role:      u.Role,
		IsActive:  u.IsActive,
		LastLogin: u.LastLogin,
		SiteIDs:   sites,
		CreatedAt: u.CreatedAt,
	}
}

// Update is a partial update of a user record. Nil fields are left unchanged.
type Update struct {
	Email        *string
	FirstName    *string
	LastName     *string
	Company      *string
	PasswordHash *string
	LastLogin    *time.Time
	LastLogout   *time.Time
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Email == nil && u.FirstName == nil && u.LastName == nil && u.Company == nil &&
		u.PasswordHash == nil && u.LastLogin == nil && u.LastLogout == nil
}

// Apply copies the set fields of upd onto u.
func (u *User) Apply(upd Update) {
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Company != nil {
		u.Company = *upd.Company
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.LastLogin != nil {
		t := *upd.LastLogin
		u.LastLogin = &t
	}
	if upd.LastLogout != nil {
		t := *upd.LastLogout
		u.LastLogout = &t
	}
}
