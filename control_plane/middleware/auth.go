package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys
const (
	TokenContextKey TenantContextKey = "token"
)

// APIKeyHeader is the alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

// TokenFromRequest extracts a bearer token or API key. Validation of the
// credential is left to the caller's identity provider.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// AuthMiddleware attaches the caller's token to the request context so it
// can be forwarded on outbound calls. When required is set, requests
// without a token are rejected.
func AuthMiddleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				if required {
					writeError(w, http.StatusUnauthorized, "missing bearer token or API key")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTokenFromContext returns the token attached by AuthMiddleware.
func GetTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenContextKey).(string)
	return token, ok && token != ""
}
