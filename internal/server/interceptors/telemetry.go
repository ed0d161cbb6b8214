package interceptors

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sitinov-auth/backend/internal/log"
)

// RequestLogger returns middleware that attaches a request-scoped zerolog logger
// (request id, client IP) to the context and logs one line per request.
// skipPaths are served without the access line (e.g. health probes).
func RequestLogger(skipPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := log.WithContext(r.Context(), func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", middleware.GetReqID(r.Context())).Str("client_ip", ClientIP(r))
			})
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			if skipPaths[r.URL.Path] {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info(ctx)
			if status >= http.StatusInternalServerError {
				ev = log.Error(ctx)
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Msg("http: request")
		})
	}
}
