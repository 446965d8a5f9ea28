package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery converts downstream panics into 500 responses instead of
// tearing down the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", appendLoggerFields(r.Context(),
						"panic", rec,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)...)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
