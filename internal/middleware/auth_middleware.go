package middleware

import (
	"context"
	"net/http"
	"strings"

	"lmsforum-sync/pkg/jwt"
	"lmsforum-sync/pkg/response"
)

type contextKey string

const (
	OperatorKey contextKey = "operator"

	// operatorSlotKey points at the access log's operator field.
	operatorSlotKey contextKey = "operator_slot"
)

// AuthMiddleware admits requests carrying a valid operator access token.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				response.Unauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}
			if claims.TokenType != jwt.TokenTypeAccess {
				response.Unauthorized(w, "Refresh tokens cannot be used for API access")
				return
			}

			if slot, ok := r.Context().Value(operatorSlotKey).(*string); ok {
				*slot = claims.UserID
			}
			ctx := context.WithValue(r.Context(), OperatorKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func GetOperator(r *http.Request) string {
	operator, ok := r.Context().Value(OperatorKey).(string)
	if !ok {
		return ""
	}
	return operator
}
