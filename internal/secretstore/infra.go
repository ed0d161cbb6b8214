package secretstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// DatabaseConfig is the Postgres connection read from secret/database/<env>.
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// DSN renders the config as a postgres:// URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	return u.String()
}

// RedisConfig is the Redis connection read from secret/redis/<env>.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// LoadDatabaseConfig reads secret/database/<env>. Missing fields take local
// development defaults.
func LoadDatabaseConfig(ctx context.Context, backend Backend, env string) (DatabaseConfig, error) {
	fields, err := backend.Read(ctx, "secret/database/"+env)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("secretstore: database config: %w", err)
	}
	return DatabaseConfig{
		Host:     orDefault(stringField(fields, "host"), "localhost"),
		Port:     intField(fields, "port", 5432),
		Database: orDefault(stringField(fields, "database"), "sit_inov_dev"),
		Username: orDefault(stringField(fields, "username"), "postgres"),
		Password: stringField(fields, "password"),
	}, nil
}

// LoadRedisConfig reads secret/redis/<env>.
func LoadRedisConfig(ctx context.Context, backend Backend, env string) (RedisConfig, error) {
	fields, err := backend.Read(ctx, "secret/redis/"+env)
	if err != nil {
		return RedisConfig{}, fmt.Errorf("secretstore: redis config: %w", err)
	}
	return RedisConfig{
		Host:     orDefault(stringField(fields, "host"), "localhost"),
		Port:     intField(fields, "port", 6379),
		Password: stringField(fields, "password"),
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
