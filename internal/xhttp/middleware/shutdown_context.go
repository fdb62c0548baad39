package middleware

import (
	"net/http"

	"github.com/garrettladley/payhook/internal/xcontext"
)

// ShutdownContext marks requests that arrive while the server is draining so
// handlers such as the health check can report it.
func ShutdownContext(draining func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if draining() {
				r = r.WithContext(xcontext.SetShutdownInProgress(r.Context(), true))
			}
			next.ServeHTTP(w, r)
		})
	}
}
