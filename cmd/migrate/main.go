// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate -direction up.
package main

import (
	"context"
	"flag"

	"sitinov-auth/backend/internal/bootstrap"
	"sitinov-auth/backend/internal/config"
	"sitinov-auth/backend/internal/db/migrate"
	"sitinov-auth/backend/internal/log"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	ctx := context.Background()

	dsn := cfg.DatabaseURL
	if dsn == "" {
		backend, err := bootstrap.SecretBackend(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("secret backend")
		}
		if dsn, err = bootstrap.DatabaseURL(ctx, cfg, backend); err != nil {
			log.Fatal().Err(err).Msg("database")
		}
	}

	if err := migrate.Run(dsn, *direction); err != nil {
		log.Fatal().Err(err).Str("direction", *direction).Msg("migrate")
	}
	log.Info(ctx).Str("direction", *direction).Msg("migrations applied")
}
