package types

import (
	"context"
)

// Context Keys
type contextKey string

const (
	requestIDKey contextKey = "request_id"
)

// WithRequestID stores the invocation/request ID in the context. Lambda
// handlers set this from the runtime request ID so outbound calls and
// error metrics can be correlated with a single invocation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
