package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/geoedge/internal/health"
	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// DefaultMaxRequestBody bounds form posts and API calls relayed to the origin.
const DefaultMaxRequestBody = 10 << 20

// NewHandler builds the public handler: health routes plus the edge,
// wrapped in the middleware stack. main() owns *http.Server so it can do
// graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	maxBody := opts.MaxRequestBody
	if maxBody <= 0 {
		maxBody = DefaultMaxRequestBody
	}

	// Static assets are relayed with exactly the origin's headers, so
	// anything that adds or rewrites response headers steps aside for them.
	personalized := func(mw httpmw.Middleware) httpmw.Middleware {
		return httpmw.Unless(httpmw.StaticAsset, mw)
	}

	r := chi.NewRouter()
	r.Use(
		personalized(httpmw.VaryOnce),
		// Rewritable responses arrive from the origin decoded; anything
		// still carrying a Content-Encoding is left alone by the compressor.
		personalized(middleware.Compress(5,
			"text/html",
			"text/css",
			"text/plain",
			"application/javascript",
			"text/javascript",
			"application/json",
			"image/svg+xml",
		)),
		httpmw.AccessLog(httpmw.Unobserved),
		httpmw.MaxBody(maxBody),
	)

	r.With(httpmw.Scope("health")).Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.With(httpmw.Scope("health")).Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	// The edge takes everything else under one route pattern so route
	// labels stay bounded.
	if opts.Edge != nil {
		r.With(httpmw.Scope("edge")).Handle("/*", opts.Edge)
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	return httpmw.Chain(r,
		recoverMW,
		httpmw.RequestID(httpmw.StaticAsset),
		// client IP feeds the rate limiter, GeoIP lookups and logging
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		traced,
		personalized(httpmw.DebugHeaders(opts.PlacesInfo)),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	)
}

// traced starts a server span for every edge request. Health checks and
// static assets are left out; the edge renames the span once it knows
// whether the page is a landing page.
func traced(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !httpmw.Unobserved(r) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " /*"
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	// WriteTimeout spans the whole proxied response, including the
	// origin's time to first byte and a streamed HTML body.
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)

	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
