package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"polystore-backend/pkg/api"
)

// Recovery converts handler panics into 500 responses and logs the stack.
// If the handler already started writing, a second status line cannot be
// sent and the connection is left to the server to close.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.ByteString("stack", debug.Stack()),
					)

					if w.Header().Get("Content-Type") == "" {
						api.Error(w, http.StatusInternalServerError, "internal server error")
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
