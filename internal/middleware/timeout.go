package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout caps every request's context at the given budget. Handlers pass
// the context into the coordinator, so an exceeded budget surfaces as a
// classified timeout from whichever operation was in flight rather than a
// racing write from the middleware.
func Timeout(budget time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
