// seed creates the initial admin account. Idempotent: an existing account with
// the same email is left untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/google/uuid"

	"sitinov-auth/backend/internal/bootstrap"
	"sitinov-auth/backend/internal/config"
	"sitinov-auth/backend/internal/db"
	"sitinov-auth/backend/internal/log"
	"sitinov-auth/backend/internal/security"
	userdomain "sitinov-auth/backend/internal/user/domain"
	userrepo "sitinov-auth/backend/internal/user/repository"
)

const (
	devAdminEmail    = "admin@sitinov.dev"
	devAdminPassword = "password123"
)

type admin struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type userStore interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

func main() {
	var a admin
	flag.StringVar(&a.Email, "email", devAdminEmail, "admin email")
	flag.StringVar(&a.Password, "password", os.Getenv("SEED_ADMIN_PASSWORD"), "admin password (default SEED_ADMIN_PASSWORD)")
	flag.StringVar(&a.FirstName, "first-name", "Admin", "admin first name")
	flag.StringVar(&a.LastName, "last-name", "User", "admin last name")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if a.Password == "" {
		if cfg.Production() {
			log.Fatal().Msg("set -password or SEED_ADMIN_PASSWORD in production")
		}
		a.Password = devAdminPassword
	}
	ctx := context.Background()

	backend, err := bootstrap.SecretBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("secret backend")
	}
	dsn, err := bootstrap.DatabaseURL(ctx, cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	if dsn == "" {
		log.Fatal().Msg("DATABASE_URL is not set; seeding needs a persistent user store")
	}
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer conn.Close()

	created, err := seed(ctx, userrepo.NewPostgresRepository(conn), security.NewHasher(cfg.BcryptCost), a)
	if err != nil {
		log.Fatal().Err(err).Msg("seed")
	}
	if !created {
		log.Info(ctx).Str("email", a.Email).Msg("admin already exists; skipping")
		return
	}
	log.Info(ctx).Str("email", a.Email).Msg("admin created")
}

// seed creates the admin unless the email is taken. It reports whether a user was created.
func seed(ctx context.Context, users userStore, hasher *security.Hasher, a admin) (bool, error) {
	existing, err := users.GetByEmail(ctx, a.Email)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	hash, err := hasher.Hash(a.Password)
	if err != nil {
		return false, err
	}
	err = users.Create(ctx, &userdomain.User{
		ID:           uuid.NewString(),
		Email:        userdomain.NormalizeEmail(a.Email),
		PasswordHash: hash,
		FirstName:    a.FirstName,
		LastName:     a.LastName,
		Role:         userdomain.RoleAdmin,
		IsActive:     true,
	})
	if errors.Is(err, userrepo.ErrEmailTaken) {
		return false, nil
	}
	return err == nil, err
}
