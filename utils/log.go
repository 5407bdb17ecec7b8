package utils

import (
	"context"

	"go.uber.org/zap"
)

type logKeyType struct{}

// LogContext attaches zap fields to the context so components deeper in a
// request can log with request-scoped attributes. Fields accumulate across
// calls.
func LogContext(ctx context.Context, fields ...zap.Field) context.Context {
	old := GetLogContextFields(ctx)
	fields = append(old, fields...)
	return context.WithValue(ctx, logKeyType{}, fields)
}

// GetLogContextFields returns the fields attached by LogContext, if any.
func GetLogContextFields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(logKeyType{}).([]zap.Field)
	if !ok {
		return nil
	}
	return fields
}

// GetLogFromContext returns parentLog enriched with the context's fields.
func GetLogFromContext(ctx context.Context, parentLog *zap.Logger) *zap.Logger {
	return parentLog.With(GetLogContextFields(ctx)...)
}

// LogContextWith attaches fields to both the context and the logger in one
// step.
func LogContextWith(ctx context.Context, parentLog *zap.Logger, fields ...zap.Field) (context.Context, *zap.Logger) {
	ctx = LogContext(ctx, fields...)
	parentLog = parentLog.With(fields...)
	return ctx, parentLog
}
