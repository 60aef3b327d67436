package httpmw

import (
	"net/http"

	"github.com/keithlinneman/geoedge/internal/pathutil"
)

// Middleware is the shape every constructor in this package returns.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h with mws, first entry outermost. nil entries are skipped
// so optional layers can be listed inline.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := range mws {
		mw := mws[len(mws)-1-i]
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}

// Unless routes requests matching skip around mw straight to the next
// handler. Both paths are built once.
func Unless(skip func(*http.Request) bool, mw Middleware) Middleware {
	if mw == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// StaticAsset reports whether r targets a file the edge relays byte for
// byte. Layers that touch response headers or bodies skip these.
func StaticAsset(r *http.Request) bool {
	return pathutil.IsStaticAsset(r.URL.Path)
}

// HealthCheck reports whether r hits one of the local health routes.
func HealthCheck(r *http.Request) bool {
	return r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready"
}

// Unobserved covers requests kept out of access logs and traces.
func Unobserved(r *http.Request) bool {
	return HealthCheck(r) || StaticAsset(r)
}
