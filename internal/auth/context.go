// ABOUTME: Authenticated operator identity propagated through request contexts
// ABOUTME: Provides WithOperator/OperatorFrom for handler access

package auth

import (
	"context"
)

// operatorKey is the context key type for the authenticated operator ID.
type operatorKey struct{}

// WithOperator returns a new context carrying the authenticated operator ID.
func WithOperator(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operatorID)
}

// OperatorFrom retrieves the authenticated operator ID, or "" if the request
// did not pass the auth middleware.
func OperatorFrom(ctx context.Context) string {
	id, _ := ctx.Value(operatorKey{}).(string)
	return id
}
