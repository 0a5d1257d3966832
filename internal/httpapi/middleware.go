package httpapi

import (
	"net/http"
	"strconv"

	"backend/internal/ratelimit"
)

// rateLimited wraps next with the §4.A per-client-identity token bucket.
// A denied request yields 429 with Retry-After and never reaches next; a
// storage failure fails closed (also 429, distinct message) rather than
// silently admitting the request.
func rateLimited(limiter *ratelimit.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientIdentity(r)
		result, err := limiter.CheckAndIncrement(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusTooManyRequests, "E_INTERNAL", "Rate limiter unavailable", nil)
			return
		}
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}
