package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey  contextKey = "trace_id"
	EventIDKey  contextKey = "event_id"
	ProviderKey contextKey = "provider"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithEventID tags ctx with the internal webhook event id.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ProviderKey, provider)
}

func value(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string {
	return value(ctx, TraceIDKey)
}

// GetLogFields returns the context values as zap-style key/value pairs.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	for _, key := range []contextKey{TraceIDKey, EventIDKey, ProviderKey} {
		if v := value(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
