package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitinov-auth/backend/internal/audit"
	"sitinov-auth/backend/internal/bootstrap"
	"sitinov-auth/backend/internal/config"
	"sitinov-auth/backend/internal/db"
	"sitinov-auth/backend/internal/health"
	"sitinov-auth/backend/internal/identity/service"
	"sitinov-auth/backend/internal/log"
	"sitinov-auth/backend/internal/security"
	"sitinov-auth/backend/internal/server"
	"sitinov-auth/backend/internal/server/interceptors"
	telemetryotel "sitinov-auth/backend/internal/telemetry/otel"
	userrepo "sitinov-auth/backend/internal/user/repository"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log.SetLevel(log.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "sitinov-auth",
		Environment: cfg.Env,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry")
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	backend, err := bootstrap.SecretBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("secret backend")
	}
	secrets := bootstrap.SecretClient(cfg, backend)

	var (
		users  service.UserRepo
		dbConn *sql.DB
	)
	dsn, err := bootstrap.DatabaseURL(ctx, cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	if dsn != "" {
		dbConn, err = db.Open(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("database")
		}
		defer dbConn.Close()
		users = userrepo.NewPostgresRepository(dbConn)
	} else {
		log.Warn(ctx).Msg("no database configured; users are kept in memory and lost on restart")
		users = userrepo.NewMemoryRepository()
	}

	deny, denyPing, denyClose, err := bootstrap.Denylist(ctx, cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Str("denylist", cfg.TokenDenylist).Msg("denylist")
	}
	defer denyClose()

	auth := service.NewAuthService(service.Deps{
		Users:       users,
		Bundles:     secrets,
		Hasher:      security.NewHashPool(security.NewHasher(cfg.BcryptCost), cfg.HashConcurrency),
		Tokens:      security.NewJWTCodec(cfg.JWTIssuer, cfg.JWTAudience),
		Denylist:    deny,
		Audit:       audit.NewLogger(providers.LoggerProvider, interceptors.ClientIPFromContext),
		Environment: cfg.Env,
	})

	// Warm the bundle cache so the first request does not pay for the backend round trip.
	if _, err := secrets.Fetch(ctx, cfg.Env); err != nil {
		if cfg.Production() {
			log.Fatal().Err(err).Str("path", secrets.Path(cfg.Env)).Msg("signing bundle unavailable")
		}
		log.Warn(ctx).Err(err).Str("path", secrets.Path(cfg.Env)).Msg("signing bundle unavailable; will retry on demand")
	}

	var pinger health.Pinger
	if dbConn != nil {
		pinger = dbConn
	}
	checker := health.NewChecker(pinger, secrets)
	if denyPing != nil {
		checker.Add("redis", health.PingFunc(denyPing))
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(server.Deps{Auth: auth, Health: checker}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		log.Info(ctx).Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	grpcSrv, healthSrv := server.NewGRPCServer()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("listen")
		}
		go checker.Sync(ctx, healthSrv, server.HealthServiceName, 10*time.Second)
		go func() {
			log.Info(ctx).Str("addr", cfg.GRPCAddr).Msg("gRPC health server listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error(ctx).Err(err).Msg("server failed")
	}

	log.Info(context.Background()).Msg("shutting down")
	healthSrv.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Error(sctx).Err(err).Msg("HTTP shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info(sctx).Msg("server stopped")
}
