// Package audit records security-relevant events of the session lifecycle as
// OpenTelemetry log records.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"

	"sitinov-auth/backend/internal/log"
)

// Actions emitted by the session lifecycle.
const (
	ActionLoginSuccess   = "login_success"
	ActionLoginFailure   = "login_failure"
	ActionRegister       = "register"
	ActionRefresh        = "refresh"
	ActionLogout         = "logout"
	ActionPasswordChange = "password_change"
	ActionProfileUpdate  = "profile_update"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event. Used by auth code paths.
// LogEvent is best-effort: it never fails the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, metadata string)
}

// Logger implements AuditLogger on an OTel LoggerProvider.
type Logger struct {
	logger      otellog.Logger
	ipExtractor IPExtractor
	now         func() time.Time
}

// NewLogger returns an AuditLogger emitting through provider and using ipExtractor for client IP.
// provider may be nil (events are dropped); ipExtractor may be nil, then IP is recorded as "unknown".
func NewLogger(provider otellog.LoggerProvider, ipExtractor IPExtractor) *Logger {
	if provider == nil {
		provider = noop.NewLoggerProvider()
	}
	return &Logger{
		logger:      provider.Logger("sitinov-auth.audit"),
		ipExtractor: ipExtractor,
		now:         time.Now,
	}
}

// LogEvent emits one audit record. metadata is free text, e.g. a failure reason.
func (l *Logger) LogEvent(ctx context.Context, userID, action, metadata string) {
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	rec := otellog.Record{}
	rec.SetTimestamp(l.now().UTC())
	rec.SetEventName(action)
	rec.SetSeverity(severityFor(action))
	rec.SetBody(otellog.StringValue(action))
	rec.AddAttributes(
		otellog.String("audit.id", uuid.NewString()),
		otellog.String("action", action),
		otellog.String("ip", ip),
	)
	if userID != "" {
		rec.AddAttributes(otellog.String("user_id", userID))
	}
	if metadata != "" {
		rec.AddAttributes(otellog.String("metadata", metadata))
	}
	l.logger.Emit(ctx, rec)

	log.Debug(ctx).
		Str("action", action).
		Str("user_id", userID).
		Str("ip", ip).
		Str("metadata", metadata).
		Msg("audit")
}

func severityFor(action string) otellog.Severity {
	if action == ActionLoginFailure {
		return otellog.SeverityWarn
	}
	return otellog.SeverityInfo
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(context.Context, string, string, string) {}
