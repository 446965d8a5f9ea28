package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit applies a process-wide token bucket. Deployments with more than
// one instance should move this to a shared counters store; the ledger's
// correctness does not depend on it.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
