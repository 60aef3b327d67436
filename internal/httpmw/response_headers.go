package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderTraceID       = "X-Trace-Id"
	HeaderSpanID        = "X-Span-Id"
	HeaderPlacesVersion = "X-Places-Version"
	HeaderPlacesHash    = "X-Places-Hash"
)

// PlacesInfo reports the place dictionary currently serving requests.
type PlacesInfo interface {
	Version() string
	Hash() string
}

// DebugHeaders stamps the trace ids and the active dictionary version on
// the response so a mislabelled page can be tied back to its span and to
// the dictionary that produced it. info may be nil.
func DebugHeaders(info PlacesInfo) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if sc := span.SpanContext(); sc.IsValid() {
				w.Header().Set(HeaderTraceID, sc.TraceID().String())
				w.Header().Set(HeaderSpanID, sc.SpanID().String())
			}
			if info != nil {
				version, hash := info.Version(), info.Hash()
				if version != "" {
					w.Header().Set(HeaderPlacesVersion, version)
				}
				if hash != "" {
					w.Header().Set(HeaderPlacesHash, shortHash(hash))
				}
				if span.IsRecording() {
					span.SetAttributes(
						attribute.String("places.version", version),
						attribute.String("places.hash", hash),
					)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
