package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"sitinov-auth/backend/internal/audit"
	"sitinov-auth/backend/internal/log"
	"sitinov-auth/backend/internal/secretstore"
	"sitinov-auth/backend/internal/security"
	"sitinov-auth/backend/internal/session/denylist"
	userdomain "sitinov-auth/backend/internal/user/domain"
	userrepo "sitinov-auth/backend/internal/user/repository"
)

// Sentinel errors for the auth service; handlers map them to HTTP status codes.
// Credential and token failures all collapse into ErrUnauthorized.
var (
	ErrUnauthorized        = errors.New("invalid credentials")
	ErrConflict            = errors.New("email already registered")
	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// AuthResult is returned by Login, Register and Refresh.
type AuthResult struct {
	Token     string                 `json:"access_token"`
	ExpiresAt time.Time              `json:"expires_at"`
	User      *userdomain.PublicUser `json:"user"`
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	Update(ctx context.Context, id string, upd userdomain.Update) (*userdomain.User, error)
}

// BundleSource supplies signing bundles; implemented by *secretstore.Client.
type BundleSource interface {
	Fetch(ctx context.Context, env string) (*secretstore.Bundle, error)
	Previous(env string) *secretstore.Bundle
	Refresh(ctx context.Context, env, keyID string) (*secretstore.Bundle, error)
}

// PasswordHasher is implemented by *security.HashPool.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, hash string) (bool, error)
	Equalize(ctx context.Context, password string) error
}

// Deps are the collaborators of AuthService. Denylist and Audit are optional.
type Deps struct {
	Users       UserRepo
	Bundles     BundleSource
	Hasher      PasswordHasher
	Tokens      security.TokenCodec
	Denylist    denylist.Denylist
	Audit       audit.AuditLogger
	Environment string
}

// AuthService implements the session lifecycle: login, register, refresh,
// logout, password change, profile update and token authentication.
// Sessions are stateless; the signed token is the only session artifact.
type AuthService struct {
	users    UserRepo
	bundles  BundleSource
	hasher   PasswordHasher
	tokens   security.TokenCodec
	denylist denylist.Denylist
	audit    audit.AuditLogger
	env      string
	now      func() time.Time

	logins     metric.Int64Counter
	rejections metric.Int64Counter
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(d Deps) *AuthService {
	if d.Denylist == nil {
		d.Denylist = denylist.Nop{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	meter := otel.Meter("sitinov-auth/identity")
	logins, _ := meter.Int64Counter("auth.logins", metric.WithDescription("Login attempts by outcome."))
	rejections, _ := meter.Int64Counter("auth.token.rejections", metric.WithDescription("Rejected session tokens by reason."))
	return &AuthService{
		users:      d.Users,
		bundles:    d.Bundles,
		hasher:     d.Hasher,
		tokens:     d.Tokens,
		denylist:   d.Denylist,
		audit:      d.Audit,
		env:        d.Environment,
		now:        time.Now,
		logins:     logins,
		rejections: rejections,
	}
}

// Login authenticates with email and password and returns a session token.
// Unknown email, inactive account and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, s.loginFailed(ctx, "", "missing credentials")
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, internal("lookup user", err)
	}
	if user == nil || !user.IsActive {
		if err := s.hasher.Equalize(ctx, password); err != nil {
			return nil, internal("equalize", err)
		}
		reason := "unknown account"
		userID := ""
		if user != nil {
			reason, userID = "inactive account", user.ID
		}
		return nil, s.loginFailed(ctx, userID, reason)
	}
	ok, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, internal("verify password", err)
	}
	if !ok {
		return nil, s.loginFailed(ctx, user.ID, "wrong password")
	}

	now := s.now().UTC()
	updated, err := s.users.Update(ctx, user.ID, userdomain.Update{LastLogin: &now})
	if err != nil {
		return nil, internal("record last login", err)
	}
	if updated != nil {
		user = updated
	}
	res, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, "success")
	s.audit.LogEvent(ctx, user.ID, audit.ActionLoginSuccess, "")
	return res, nil
}

// Register creates an active USER account and signs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	email := userdomain.NormalizeEmail(in.Email)
	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, internal("lookup user", err)
	}
	if existing != nil {
		return nil, ErrConflict
	}
	hashed, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, internal("hash password", err)
	}
	now := s.now().UTC()
	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hashed,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Company:      in.Company,
		Role:         userdomain.RoleUser,
		IsActive:     true,
		SiteIDs:      []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// The store's uniqueness constraint settles races the lookup above cannot.
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, ErrConflict
		}
		return nil, internal("create user", err)
	}
	res, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, user.ID, audit.ActionRegister, "")
	log.Info(ctx).Str("user_id", user.ID).Msg("auth: user registered")
	return res, nil
}

// Refresh re-issues a token for an already authenticated user. No password is required.
func (s *AuthService) Refresh(ctx context.Context, userID string) (*AuthResult, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, user.ID, audit.ActionRefresh, "")
	return res, nil
}

// Logout records the logout time. When a denylist is configured the presenting
// token is revoked for the rest of its lifetime; otherwise it stays valid until it expires.
func (s *AuthService) Logout(ctx context.Context, claims *security.SessionClaims) error {
	if claims == nil {
		return ErrUnauthorized
	}
	now := s.now().UTC()
	user, err := s.users.Update(ctx, claims.Subject, userdomain.Update{LastLogout: &now})
	if err != nil {
		return internal("record last logout", err)
	}
	if user == nil {
		return ErrUnauthorized
	}
	if err := s.denylist.Revoke(ctx, claims.ID, claims.Remaining(now)); err != nil {
		return fmt.Errorf("%w: revoke token: %w", ErrUpstreamUnavailable, err)
	}
	s.audit.LogEvent(ctx, user.ID, audit.ActionLogout, "")
	return nil
}

// ChangePassword replaces the password after verifying the current one. No new token is issued.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Verify(ctx, in.CurrentPassword, user.PasswordHash)
	if err != nil {
		return internal("verify password", err)
	}
	if !ok {
		s.audit.LogEvent(ctx, user.ID, audit.ActionPasswordChange, "wrong current password")
		return ErrUnauthorized
	}
	hashed, err := s.hasher.Hash(ctx, in.NewPassword)
	if err != nil {
		return internal("hash password", err)
	}
	updated, err := s.users.Update(ctx, user.ID, userdomain.Update{PasswordHash: &hashed})
	if err != nil {
		return internal("store password", err)
	}
	if updated == nil {
		return ErrUnauthorized
	}
	s.audit.LogEvent(ctx, user.ID, audit.ActionPasswordChange, "")
	return nil
}

// UpdateProfile changes name, email or company.
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*userdomain.PublicUser, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, err := s.activeUser(ctx, userID); err != nil {
		return nil, err
	}
	upd := userdomain.Update{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Company:   in.Company,
	}
	if in.Email != nil {
		email := userdomain.NormalizeEmail(*in.Email)
		upd.Email = &email
	}
	user, err := s.users.Update(ctx, userID, upd)
	if err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, ErrConflict
		}
		return nil, internal("update profile", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}
	s.audit.LogEvent(ctx, user.ID, audit.ActionProfileUpdate, "")
	return user.Public(), nil
}

// GetCurrentUser returns the public projection of an active user.
func (s *AuthService) GetCurrentUser(ctx context.Context, userID string) (*userdomain.PublicUser, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

// Authenticate validates a presented token and resolves its user. A signature
// mismatch against the current bundle is retried against the previous bundle and
// then, once, against a freshly fetched one, so tokens survive a rotation race.
// The token's kid lets a key rotated in after a recent forced refresh still be
// picked up.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*security.SessionClaims, *userdomain.User, error) {
	if token == "" {
		return nil, nil, ErrUnauthorized
	}
	bundle, err := s.bundles.Fetch(ctx, s.env)
	if err != nil {
		return nil, nil, upstream(err)
	}
	claims, err := s.tokens.Validate(token, bundle)
	if isBadSignature(err) {
		if prev := s.bundles.Previous(s.env); prev != nil && prev.ID != bundle.ID {
			claims, err = s.tokens.Validate(token, prev)
		}
	}
	if isBadSignature(err) {
		fresh, ferr := s.bundles.Refresh(ctx, s.env, security.TokenKeyID(token))
		if ferr == nil && fresh.ID != bundle.ID {
			claims, err = s.tokens.Validate(token, fresh)
		}
	}
	if err != nil {
		reason, _ := security.RejectionReason(err)
		s.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
		log.Debug(ctx).
			Str("reason", string(reason)).
			Str("token_fp", security.TokenFingerprint(token)).
			Msg("auth: token rejected")
		return nil, nil, ErrUnauthorized
	}

	revoked, err := s.denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: denylist: %w", ErrUpstreamUnavailable, err)
	}
	if revoked {
		s.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "revoked")))
		return nil, nil, ErrUnauthorized
	}
	user, err := s.activeUser(ctx, claims.Subject)
	if err != nil {
		return nil, nil, err
	}
	return claims, user, nil
}

func (s *AuthService) activeUser(ctx context.Context, userID string) (*userdomain.User, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, internal("lookup user", err)
	}
	if user == nil || !user.IsActive {
		return nil, ErrUnauthorized
	}
	return user, nil
}

func (s *AuthService) issue(ctx context.Context, user *userdomain.User) (*AuthResult, error) {
	bundle, err := s.bundles.Fetch(ctx, s.env)
	if err != nil {
		return nil, upstream(err)
	}
	token, claims, err := s.tokens.Issue(security.SessionClaims{
		Subject: user.ID,
		Email:   user.Email,
		Role:    string(user.Role),
	}, bundle)
	if err != nil {
		return nil, internal("issue token", err)
	}
	return &AuthResult{Token: token, ExpiresAt: claims.ExpiresAt, User: user.Public()}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID, reason string) error {
	s.recordLogin(ctx, "failure")
	s.audit.LogEvent(ctx, userID, audit.ActionLoginFailure, reason)
	log.Info(ctx).Str("user_id", userID).Str("reason", reason).Msg("auth: login failed")
	return ErrUnauthorized
}

func (s *AuthService) recordLogin(ctx context.Context, outcome string) {
	s.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func isBadSignature(err error) bool {
	reason, ok := security.RejectionReason(err)
	return ok && reason == security.ReasonBadSignature
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

func upstream(err error) error {
	if errors.Is(err, secretstore.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return internal("fetch signing bundle", err)
}
