package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/garrettladley/payhook/internal/xslog"
)

// AdminToken guards operator routes with a static bearer token. An empty
// token disables the routes entirely.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				xerrors.WriteError(ctx, w, xerrors.NotFound())
				return
			}

			provided := xhttp.GetRequestBearerToken(r)
			if provided == "" {
				xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("missing bearer token")))
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				xslog.FromContext(ctx).WarnContext(ctx, "admin token mismatch", xslog.RequestIP(r), xslog.RequestPath(r))
				xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("invalid bearer token")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
