// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvProduction is the APP_ENV value that disables every degraded-mode path.
const EnvProduction = "production"

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :3001).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint (e.g. :8081). Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production"). It is also the
	// secret-store environment tag used to build bundle paths.
	Env string `mapstructure:"APP_ENV"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory user store outside production.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// VaultAddr is the secret backend address.
	VaultAddr string `mapstructure:"VAULT_ADDR"`
	// VaultToken is a long-lived backend token. Ignored when VaultRoleID/VaultSecretID are set.
	VaultToken string `mapstructure:"VAULT_TOKEN"`
	// VaultRoleID and VaultSecretID enable AppRole login.
	VaultRoleID   string `mapstructure:"VAULT_ROLE_ID"`
	VaultSecretID string `mapstructure:"VAULT_SECRET_ID"`
	// VaultNamespace is the optional enterprise namespace.
	VaultNamespace string `mapstructure:"VAULT_NAMESPACE"`
	// VaultTimeoutRaw bounds each backend call (e.g. "10s").
	VaultTimeoutRaw string `mapstructure:"VAULT_TIMEOUT"`
	// VaultJWTPath is the path prefix of the signing bundle; the environment is appended.
	VaultJWTPath string `mapstructure:"VAULT_JWT_PATH"`

	// SecretCacheMaxAgeRaw is how long a fetched bundle is served before a lazy re-fetch (e.g. "5m").
	SecretCacheMaxAgeRaw string `mapstructure:"SECRET_CACHE_MAX_AGE"`
	// SecretForceRefreshRaw is the minimum spacing between signature-mismatch driven re-fetches.
	SecretForceRefreshRaw string `mapstructure:"SECRET_FORCE_REFRESH_INTERVAL"`
	// SecretDevFallback enables the development fallback secret when the backend is unreachable and
	// nothing is cached. Defaults to true outside production; must not be true in production.
	SecretDevFallback bool `mapstructure:"SECRET_DEV_FALLBACK"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// HashConcurrency bounds concurrent bcrypt operations. 0 means runtime.NumCPU().
	HashConcurrency int `mapstructure:"HASH_CONCURRENCY"`
	// JWTIssuer is the iss claim set on and required from session tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim set on and required from session tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	// TokenDenylist selects logout revocation: "none", "memory" or "redis".
	TokenDenylist string `mapstructure:"TOKEN_DENYLIST"`
	// RedisAddr is host:port of the denylist Redis. Empty falls back to the secret store's redis bundle.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint. Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LogLevel is the zerolog level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":3001")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("VAULT_ADDR", "http://localhost:8200")
	v.SetDefault("VAULT_TOKEN", "")
	v.SetDefault("VAULT_ROLE_ID", "")
	v.SetDefault("VAULT_SECRET_ID", "")
	v.SetDefault("VAULT_NAMESPACE", "")
	v.SetDefault("VAULT_TIMEOUT", "10s")
	v.SetDefault("VAULT_JWT_PATH", "secret/jwt")
	v.SetDefault("SECRET_CACHE_MAX_AGE", "5m")
	v.SetDefault("SECRET_FORCE_REFRESH_INTERVAL", "30s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("HASH_CONCURRENCY", 0)
	v.SetDefault("JWT_ISSUER", "sitinov-auth")
	v.SetDefault("JWT_AUDIENCE", "sitinov-api")
	v.SetDefault("TOKEN_DENYLIST", "none")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")

	// No default: IsSet must only see an explicit env or .env value; otherwise derived from APP_ENV below.
	_ = v.BindEnv("SECRET_DEV_FALLBACK")
	devFallbackSet := v.IsSet("SECRET_DEV_FALLBACK")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Env = strings.TrimSpace(strings.ToLower(cfg.Env))
	if cfg.Env == "" {
		return nil, errors.New("config: APP_ENV must be set")
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if !devFallbackSet {
		cfg.SecretDevFallback = !cfg.Production()
	}
	if cfg.SecretDevFallback && cfg.Production() {
		return nil, errors.New("config: SECRET_DEV_FALLBACK must not be true when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.HashConcurrency < 0 {
		return nil, errors.New("config: HASH_CONCURRENCY must not be negative")
	}
	if cfg.HashConcurrency == 0 {
		cfg.HashConcurrency = runtime.NumCPU()
	}

	cfg.TokenDenylist = strings.TrimSpace(strings.ToLower(cfg.TokenDenylist))
	switch cfg.TokenDenylist {
	case "", "none":
		cfg.TokenDenylist = "none"
	case "memory", "redis":
	default:
		return nil, errors.New("config: TOKEN_DENYLIST must be one of none, memory, redis")
	}

	return &cfg, nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// VaultTimeout parses VaultTimeoutRaw. Returns 10s if unset or invalid.
func (c *Config) VaultTimeout() time.Duration {
	return parseDurationOr(c.VaultTimeoutRaw, 10*time.Second)
}

// SecretCacheMaxAge parses SecretCacheMaxAgeRaw. Returns 5m if unset or invalid.
func (c *Config) SecretCacheMaxAge() time.Duration {
	return parseDurationOr(c.SecretCacheMaxAgeRaw, 5*time.Minute)
}

// SecretForceRefreshInterval parses SecretForceRefreshRaw. Returns 30s if unset or invalid.
func (c *Config) SecretForceRefreshInterval() time.Duration {
	return parseDurationOr(c.SecretForceRefreshRaw, 30*time.Second)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
