// ABOUTME: HTTP middleware for JWT authentication on operator API endpoints
// ABOUTME: Extracts the bearer token and attaches the operator ID to the context

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/relaydesk/relaydesk/internal/store"
)

// OperatorStore is the lookup the middleware needs to confirm the token's
// subject still exists.
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware validates the bearer JWT and resolves the operator. Handlers
// behind it read the identity with OperatorFrom.
func Middleware(operators OperatorStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if _, err := operators.GetOperator(r.Context(), operatorID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					http.Error(w, `{"error":"operator not found"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"operator lookup failed"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operatorID)))
		})
	}
}
