package health

import (
	"context"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sitinov-auth/backend/internal/log"
)

// Sync mirrors readiness into the standard gRPC health service until ctx ends.
// The overall status ("") and service are updated after every probe.
func (c *Checker) Sync(ctx context.Context, srv *grpchealth.Server, service string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		rep := c.Check(ctx)
		if !rep.OK() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			log.Info(ctx).Str("status", status.String()).Msg("health: serving status changed")
			last = status
		}
		srv.SetServingStatus("", status)
		if service != "" {
			srv.SetServingStatus(service, status)
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
