// Package bootstrap resolves the infrastructure shared by the binaries: the
// secret backend, the database DSN and the token denylist.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"sitinov-auth/backend/internal/config"
	"sitinov-auth/backend/internal/log"
	"sitinov-auth/backend/internal/secretstore"
	"sitinov-auth/backend/internal/session/denylist"
)

// ErrNoDatabase is returned in production when neither DATABASE_URL nor the
// secret store provides a database.
var ErrNoDatabase = errors.New("bootstrap: no database configured")

// SecretBackend builds the Vault backend from cfg. No network call is made.
func SecretBackend(cfg *config.Config) (*secretstore.VaultBackend, error) {
	return secretstore.NewVaultBackend(secretstore.VaultConfig{
		Address:   cfg.VaultAddr,
		Token:     cfg.VaultToken,
		RoleID:    cfg.VaultRoleID,
		SecretID:  cfg.VaultSecretID,
		Namespace: cfg.VaultNamespace,
		Timeout:   cfg.VaultTimeout(),
	})
}

// SecretClient wraps backend in the caching bundle client configured by cfg.
func SecretClient(cfg *config.Config, backend secretstore.Backend) *secretstore.Client {
	return secretstore.NewClient(backend, secretstore.Options{
		PathPrefix:           cfg.VaultJWTPath,
		MaxAge:               cfg.SecretCacheMaxAge(),
		ForceRefreshInterval: cfg.SecretForceRefreshInterval(),
		Timeout:              cfg.VaultTimeout(),
		DevFallback:          cfg.SecretDevFallback,
	})
}

// DatabaseURL returns DATABASE_URL, or the DSN stored at secret/database/<env>.
// Outside production an unreadable secret yields "" (use the in-memory store);
// in production it is ErrNoDatabase.
func DatabaseURL(ctx context.Context, cfg *config.Config, backend secretstore.Backend) (string, error) {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	dbCfg, err := secretstore.LoadDatabaseConfig(ctx, backend, cfg.Env)
	if err != nil {
		if cfg.Production() {
			return "", fmt.Errorf("%w: %w", ErrNoDatabase, err)
		}
		log.Warn(ctx).Err(err).Msg("bootstrap: no database secret; using in-memory user store")
		return "", nil
	}
	return dbCfg.DSN(), nil
}

// Denylist builds the logout denylist selected by TOKEN_DENYLIST. The returned
// ping func is non-nil only for Redis and belongs in readiness checks; closer
// releases connections and is always safe to call.
func Denylist(ctx context.Context, cfg *config.Config, backend secretstore.Backend) (d denylist.Denylist, ping func(context.Context) error, closer func() error, err error) {
	noClose := func() error { return nil }
	switch cfg.TokenDenylist {
	case "memory":
		return denylist.NewMemory(), nil, noClose, nil
	case "redis":
		opts := denylist.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		if opts.Addr == "" {
			rc, err := secretstore.LoadRedisConfig(ctx, backend, cfg.Env)
			if err != nil {
				return nil, nil, noClose, err
			}
			opts.Addr = rc.Addr()
			opts.Password = rc.Password
		}
		r, err := denylist.NewRedis(ctx, opts)
		if err != nil {
			return nil, nil, noClose, err
		}
		return r, r.Ping, r.Close, nil
	default:
		return denylist.Nop{}, nil, noClose, nil
	}
}
