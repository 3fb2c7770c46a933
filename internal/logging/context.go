package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	taskCtxKey    struct{}
	userCtxKey    struct{}
	requestCtxKey struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if id := UserIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("user.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithTaskID tags ctx with the task being operated on.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WithUserID tags ctx with the requesting user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserIDFromContext returns the user id, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userCtxKey{}).(string)
	return id
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// For returns base with the correlation fields in ctx attached.
func For(ctx context.Context, base *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
