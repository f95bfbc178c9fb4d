package logging

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by request logs and audit records.
const (
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldDeveloperID   = "developer_id"
	FieldUserID        = "user_id"
	FieldClientIP      = "client_ip"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	developerIDKey
	userIDKey
)

// WithRequestID returns ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id in ctx, or "".
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithCorrelationID returns ctx carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the correlation id in ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithDeveloperID returns ctx carrying the authenticated developer id.
func WithDeveloperID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, developerIDKey, id)
}

// GetDeveloperID returns the developer id in ctx, or "".
func GetDeveloperID(ctx context.Context) string {
	return stringValue(ctx, developerIDKey)
}

// WithUserID returns ctx carrying the end-user id of a self-service session.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the end-user id in ctx, or "".
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// RequestFields returns zap fields for every identifier present in ctx.
func RequestFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v := GetRequestID(ctx); v != "" {
		fields = append(fields, zap.String(FieldRequestID, v))
	}
	if v := GetCorrelationID(ctx); v != "" {
		fields = append(fields, zap.String(FieldCorrelationID, v))
	}
	if v := GetDeveloperID(ctx); v != "" {
		fields = append(fields, zap.String(FieldDeveloperID, v))
	}
	if v := GetUserID(ctx); v != "" {
		fields = append(fields, zap.String(FieldUserID, v))
	}
	return fields
}

// FromContext returns logger annotated with RequestFields(ctx).
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fields := RequestFields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}
