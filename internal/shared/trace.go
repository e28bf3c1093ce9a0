package shared

import (
	"context"

	"github.com/google/uuid"
)

type updateIDKey struct{}
type clientIDKey struct{}

// WithUpdateID attaches an update_id to the context. Every state mutation
// entering the store gets one so persistence writes and subscriber
// notifications can be correlated in logs.
func WithUpdateID(ctx context.Context, updateID string) context.Context {
	return context.WithValue(ctx, updateIDKey{}, updateID)
}

// UpdateID extracts update_id from context. Returns "-" if absent.
func UpdateID(ctx context.Context) string {
	if v, ok := ctx.Value(updateIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewUpdateID generates a new update_id.
func NewUpdateID() string {
	return uuid.NewString()
}

// WithClientID attaches a gateway client id to the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID extracts the gateway client id from context. Returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}
