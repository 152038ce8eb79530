package api

import (
	"fmt"
	"net/http"
)

// rateLimit enforces the tenant's tier budget. Every response carries the
// X-RateLimit-* headers; rejections add Retry-After. Runs after requireAuth.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		res := s.limiter.Allow(r.Context(), tenant.ID, tenant.PlanTier)
		w.Header().Set("X-RateLimit-Tier", res.Tier)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
