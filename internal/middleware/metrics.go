package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPMetrics receives per-request observations. The observability
// collector adapts its prometheus instruments onto this.
type HTTPMetrics interface {
	ObserveHTTP(method, route string, status int, duration time.Duration)
}

// Metrics records request counts and latency per method and route. The
// route label is the matched chi pattern, so path parameters do not
// explode the label space.
func Metrics(sink HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			sink.ObserveHTTP(r.Method, route, rec.Status(), time.Since(start))
		})
	}
}
