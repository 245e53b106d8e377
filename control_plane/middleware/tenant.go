package middleware

import (
	"context"
	"net/http"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

const (
	// OrganizationKey is the context key for the caller's organization.
	OrganizationKey TenantContextKey = "organization_id"
	// OrganizationHeader scopes agent listings to one organization.
	OrganizationHeader = "X-Organization-ID"
)

// OrganizationMiddleware copies the organization header into the context.
// The header is optional; unscoped requests see every organization.
func OrganizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrganizationHeader)
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), OrganizationKey, orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrganizationFromContext returns the organization scope, if any.
func GetOrganizationFromContext(ctx context.Context) (string, bool) {
	orgID, ok := ctx.Value(OrganizationKey).(string)
	return orgID, ok && orgID != ""
}
