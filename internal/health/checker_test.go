package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sitinov-auth/backend/internal/secretstore"
)

type fakeSecrets struct{ h secretstore.Health }

func (f fakeSecrets) Health(context.Context) *secretstore.Health {
	h := f.h
	return &h
}

func ok(context.Context) error { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(PingFunc(ok), fakeSecrets{secretstore.Health{Status: "healthy", Initialized: true}}).
		Add("redis", PingFunc(ok))
	rep := c.Check(context.Background())
	assert.True(t, rep.OK())
	assert.Len(t, rep.Checks, 3)
	assert.Equal(t, StatusOK, rep.Checks["vault"].Status)
}

func TestChecker_FailingDependency(t *testing.T) {
	c := NewChecker(PingFunc(down), fakeSecrets{secretstore.Health{Status: "unhealthy", Sealed: true, Error: "sealed"}})
	rep := c.Check(context.Background())
	assert.False(t, rep.OK())
	assert.Equal(t, "connection refused", rep.Checks["database"].Error)
	assert.Equal(t, "sealed", rep.Checks["vault"].Error)
}

func TestChecker_NilDependenciesSkipped(t *testing.T) {
	rep := NewChecker(nil, nil).Check(context.Background())
	assert.True(t, rep.OK())
	assert.Empty(t, rep.Checks)
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name string
		db   Pinger
		code int
	}{
		{"ready", PingFunc(ok), http.StatusOK},
		{"not ready", PingFunc(down), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(NewChecker(tt.db, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.code, rec.Code)

			var rep Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
			assert.Contains(t, rep.Checks, "database")
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := httptest.NewRecorder()
	LivenessHandler(func() time.Time { return at }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","timestamp":"2026-01-02T03:04:05Z"}`, rec.Body.String())
}

func TestSync_SetsServingStatus(t *testing.T) {
	srv := grpchealth.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewChecker(PingFunc(down), nil).Sync(ctx, srv, "auth", time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "auth"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
