package middleware

import (
	"net/http"

	"github.com/garrettladley/payhook/internal/xcontext"
	"github.com/garrettladley/payhook/internal/xhttp"
)

// ClientIP resolves the caller's address once, trusting trustedProxies
// X-Forwarded-For hops, and stores it for xhttp.GetRequestIP.
func ClientIP(trustedProxies int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := xhttp.ClientIP(r, trustedProxies)
			next.ServeHTTP(w, r.WithContext(xcontext.SetClientIP(r.Context(), ip)))
		})
	}
}
