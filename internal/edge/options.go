package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/geoedge/internal/geo"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/rewrite"
)

var ErrInvalidOptions = errors.New("edge: invalid options")

const DefaultFlushInterval = 100 * time.Millisecond

type Resolver interface {
	Resolve(r *http.Request) geo.Context
}

type Counter interface {
	Count(ctx context.Context, g geo.Context) int
}

type Rewriter interface {
	Rewrite(resp *http.Response, v rewrite.Values, landing bool) rewrite.Strategy
}

type Metrics interface {
	IncResponseRewrite(strategy string)
	IncOriginError()
}

type Options struct {
	Logger log.Logger

	// Origin is the base URL every request is proxied to.
	Origin string
	// Transport defaults to an otelhttp-instrumented clone of http.DefaultTransport.
	Transport http.RoundTripper

	Resolver Resolver
	// Counter is optional; without it the landing count is 0.
	Counter  Counter
	Rewriter Rewriter

	// LandingPaths are exact request paths that get the contacts count,
	// data attributes and a private, no-store response.
	LandingPaths []string // default: "/"

	// FlushInterval is how often streamed bodies are flushed to the client.
	FlushInterval time.Duration

	Metrics Metrics
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if len(o.LandingPaths) == 0 {
		o.LandingPaths = []string{"/"}
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Transport == nil {
		o.Transport = otelhttp.NewTransport(
			http.DefaultTransport.(*http.Transport).Clone(),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "origin " + r.Method
			}),
		)
	}
}

func (o *Options) validate() error {
	u, err := url.Parse(o.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: Origin %q is not an absolute http(s) URL", ErrInvalidOptions, o.Origin)
	}
	if o.Resolver == nil {
		return fmt.Errorf("%w: Resolver is nil", ErrInvalidOptions)
	}
	if o.Rewriter == nil {
		return fmt.Errorf("%w: Rewriter is nil", ErrInvalidOptions)
	}
	for _, p := range o.LandingPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: landing path %q must start with /", ErrInvalidOptions, p)
		}
	}
	return nil
}
