// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ctxTenantKey struct{}

// WithTenant extracts the tenant id for the request: the X-Tenant-ID header
// when present (set by the routing layer upstream), else the bare host label.
// Health and metrics endpoints pass through without tenant context.
func WithTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				host := r.Host
				if i := strings.Index(host, ":"); i > 0 {
					host = host[:i]
				}
				if i := strings.Index(host, "."); i > 0 {
					host = host[:i]
				}
				tenantID = host
			}
			if tenantID == "" {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TenantFrom(ctx context.Context) string {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		return v.(string)
	}
	return ""
}
