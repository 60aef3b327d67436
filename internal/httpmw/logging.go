package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/geoedge/internal/log"
)

type accessFieldsKey struct{}

// accessFields collects what downstream handlers (the edge's geo and
// rewrite decisions) want on the request's access log line.
type accessFields struct {
	mu sync.Mutex
	kv []any
}

// AddAccessLogFields appends kv to the access log entry for the request
// carrying ctx. It is a no-op outside AccessLog.
func AddAccessLogFields(ctx context.Context, kv ...any) {
	a, ok := ctx.Value(accessFieldsKey{}).(*accessFields)
	if !ok {
		return
	}
	a.mu.Lock()
	a.kv = append(a.kv, kv...)
	a.mu.Unlock()
}

func (a *accessFields) fields() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.kv...)
}

// WithLogger stores a request-scoped logger in the context. The client
// address is the one ClientIP resolved, never a raw forwarded header.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := requestScheme(r)

			fields := []any{
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			}
			if q := r.URL.RawQuery; q != "" {
				fields = append(fields, "url.query", q)
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one line per request once the response is finished,
// except for requests matching skip (health checks, static assets). When
// the request span is recording, time spent pushing the response to the
// client is traced as a child "response.write" span.
func AccessLog(skip func(*http.Request) bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			extra := &accessFields{}
			r = r.WithContext(context.WithValue(r.Context(), accessFieldsKey{}, extra))
			rw := &accessWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(rw, r)
			rw.endSpan()

			if skip != nil && skip(r) {
				return
			}
			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}
			fields := []any{
				"http.response.status_code", rw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.server.ttfb", rw.ttfb.Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBytes,
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request", append(fields, extra.fields()...)...)
		})
	}
}

// accessWriter records status, size and write timing.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	ttfb    time.Duration
	blocked time.Duration
	err     error

	began bool
	span  trace.Span
}

func (w *accessWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *accessWriter) begin() {
	if w.began {
		return
	}
	w.began = true
	w.ttfb = time.Since(w.start)
	if !trace.SpanFromContext(w.ctx).IsRecording() {
		return
	}
	_, w.span = otel.Tracer("geoedge/httpmw").Start(w.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", w.ttfb.Seconds())),
	)
}

func (w *accessWriter) endSpan() {
	if w.span == nil {
		return
	}
	w.span.SetAttributes(
		attribute.Int("http.response.status_code", w.code()),
		attribute.Int64("http.response.body.size", w.bytes),
		attribute.Float64("http.server.write.block_seconds", w.blocked.Seconds()),
	)
	if w.err != nil {
		w.span.RecordError(w.err)
		w.span.SetStatus(codes.Error, w.err.Error())
	}
	w.span.End()
}

func (w *accessWriter) WriteHeader(code int) {
	w.begin()
	if w.status == 0 && code >= http.StatusOK {
		w.status = code
	}
	t := time.Now()
	w.ResponseWriter.WriteHeader(code)
	w.blocked += time.Since(t)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	w.begin()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	t := time.Now()
	n, err := w.ResponseWriter.Write(b)
	w.blocked += time.Since(t)
	w.bytes += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection, which the
// reverse proxy needs for protocol upgrades.
func (w *accessWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// requestScheme trusts X-Forwarded-Proto only when ClientIP left it in
// place, i.e. the peer is a trusted proxy.
func requestScheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		proto, _, _ := strings.Cut(xf, ",")
		switch proto = strings.ToLower(strings.TrimSpace(proto)); proto {
		case "http", "https":
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler serving it.
func Scope(handler string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
