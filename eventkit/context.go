package eventkit

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type correlationIDContextKey string

// CorrelationIDContextKey stores the correlation id used to link causally
// related events across a request.
const CorrelationIDContextKey correlationIDContextKey = "eventkit.correlation_id"

// ContextWithCorrelationID returns a context carrying correlationID.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, CorrelationIDContextKey, strings.TrimSpace(correlationID))
}

// CorrelationIDFromContext reads the correlation id from ctx.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(CorrelationIDContextKey).(string)
	if !ok || strings.TrimSpace(correlationID) == "" {
		return "", false
	}

	return strings.TrimSpace(correlationID), true
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation id, otherwise attaches a freshly generated one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		return ctx, correlationID
	}

	correlationID := uuid.NewString()

	return ContextWithCorrelationID(ctx, correlationID), correlationID
}
