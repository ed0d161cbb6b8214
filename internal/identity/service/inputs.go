package service

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// RegisterInput is the payload of Register.
type RegisterInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company,omitempty"`
}

// Validate implements validation.Validatable.
func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, passwordRules()...),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.Company, validation.Length(0, 100)),
	)
}

func (r *RegisterInput) normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Company = strings.TrimSpace(r.Company)
}

// ProfileInput is a partial profile update. Nil fields are left unchanged.
type ProfileInput struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Company   *string `json:"company,omitempty"`
}

// Validate implements validation.Validatable.
func (p ProfileInput) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&p.FirstName, validation.NilOrNotEmpty, validation.Length(1, 50)),
		validation.Field(&p.LastName, validation.NilOrNotEmpty, validation.Length(1, 50)),
		validation.Field(&p.Company, validation.Length(0, 100)),
	)
}

func (p *ProfileInput) normalize() {
	for _, f := range []*string{p.Email, p.FirstName, p.LastName, p.Company} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
}

// ChangePasswordInput is the payload of ChangePassword.
type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Validate implements validation.Validatable. The current password is only
// required to be present; its correctness is an authorization question.
func (c ChangePasswordInput) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.CurrentPassword, validation.Required),
		validation.Field(&c.NewPassword, passwordRules()...),
	)
}

func passwordRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(8, 0),
		validation.By(maxBytes(maxPasswordBytes)),
	}
}

func maxBytes(n int) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if len(s) > n {
			return fmt.Errorf("must be no more than %d bytes long", n)
		}
		return nil
	}
}
