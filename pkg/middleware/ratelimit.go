// pkg/middleware/ratelimit.go
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"toolgate/internal/ratelimit"
	"toolgate/pkg/problems"
)

// RateLimit gates every tenant-scoped request through the admission
// controller. Denied requests get a problem+json 429 with reset hints; the
// standard X-RateLimit headers are set either way.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantFrom(r.Context())
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, _ := limiter.Check(r.Context(), tenantID) // fail-open inside
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
			if !d.Allowed {
				retry := d.ResetAt - time.Now().Unix()
				if retry < 0 {
					retry = 0
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"type":     problems.Type("rate-limited"),
					"title":    "Rate limit exceeded",
					"detail":   "Too many requests in the current window; retry after the reset.",
					"reset_at": d.ResetAt,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
