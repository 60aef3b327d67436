package httpmw

import (
	"net/http"

	"github.com/keithlinneman/geoedge/internal/log"
)

// MaxBody caps request bodies at limit bytes. A declared Content-Length over
// the cap is refused with 413 before the origin is contacted; chunked bodies
// are wrapped so the read that crosses the cap fails with *http.MaxBytesError,
// which the edge maps to the same status.
func MaxBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				log.FromContext(r.Context()).Warn(r.Context(), "request body over limit",
					"content_length", r.ContentLength,
					"limit", limit,
				)
				w.Header().Set("Connection", "close")
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
