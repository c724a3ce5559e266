package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"consentgate.org/internal/auth"
	"consentgate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if ctx != nil {
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			zf = append(zf, zap.String("user_id", userID))
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))

	obs.Logger().Info("audit", zf...)
	return nil
}
