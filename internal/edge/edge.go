// Package edge is the request dispatcher. It sits in front of the origin,
// resolves where the visitor is, proxies the request and personalizes the
// response on its way back.
//
// Static assets short-circuit straight through the proxy. Everything else
// is resolved, optionally counted (landing paths only), proxied with the
// client's Accept-Encoding removed so the body arrives decodable, and
// handed to the Rewriter. The only failure a client can see is the origin
// being unreachable, which answers a fixed 500.
package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/geoedge/internal/geo"
	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/pathutil"
	"github.com/keithlinneman/geoedge/internal/rewrite"
	"github.com/keithlinneman/geoedge/internal/stats"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// forwarded headers carrying the resolved location to the origin
const (
	HeaderForwardCountry  = "X-Geo-Country"
	HeaderForwardCity     = "X-Geo-City"
	HeaderForwardCitySlug = "X-Geo-City-Slug"
)

type Handler struct {
	opts    Options
	landing map[string]bool

	static   *httputil.ReverseProxy
	personal *httputil.ReverseProxy
}

// dispatch is what the response side needs from the request side.
type dispatch struct {
	values  rewrite.Values
	landing bool
}

type dispatchKey struct{}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	target, _ := url.Parse(opts.Origin)

	h := &Handler{
		opts:    *opts,
		landing: make(map[string]bool, len(opts.LandingPaths)),
	}
	for _, p := range opts.LandingPaths {
		h.landing[p] = true
	}

	h.static = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			outbound(pr, target)
		},
		Transport:     opts.Transport,
		FlushInterval: opts.FlushInterval,
		ErrorHandler:  h.originError,
	}
	h.personal = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			outbound(pr, target)
			// rewritable bodies must arrive in a form the rewriter can read;
			// the transport negotiates gzip itself and decodes it
			pr.Out.Header.Del("Accept-Encoding")
			if d, ok := pr.In.Context().Value(dispatchKey{}).(dispatch); ok {
				pr.Out.Header.Set(HeaderForwardCountry, d.values.Country)
				pr.Out.Header.Set(HeaderForwardCity, url.PathEscape(d.values.CityName))
				pr.Out.Header.Set(HeaderForwardCitySlug, d.values.CitySlug)
			}
		},
		Transport:      opts.Transport,
		FlushInterval:  opts.FlushInterval,
		ModifyResponse: h.personalize,
		ErrorHandler:   h.originError,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if pathutil.IsStaticAsset(r.URL.Path) {
		h.countRewrite(rewrite.StrategyStatic)
		h.static.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	landing := h.isLanding(r.URL.Path)
	g := h.opts.Resolver.Resolve(r)

	count := 0
	if landing && h.opts.Counter != nil {
		count = h.opts.Counter.Count(ctx, g)
	}

	httpmw.AddAccessLogFields(ctx,
		"geo.country", g.CountryCode,
		"geo.city_slug", g.CitySlug,
		"geo.source", string(g.Source),
		"geo.landing", landing,
	)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		class := "page"
		if landing {
			class = "landing"
		}
		span.SetName(r.Method + " " + class)
		span.SetAttributes(
			attribute.String("geo.country", g.CountryCode),
			attribute.String("geo.city_slug", g.CitySlug),
			attribute.String("geo.source", string(g.Source)),
			attribute.Bool("geo.landing", landing),
		)
	}

	ctx = geo.WithContext(ctx, g)
	ctx = context.WithValue(ctx, dispatchKey{}, dispatch{
		values:  rewrite.NewValues(g, count),
		landing: landing,
	})
	h.personal.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) isLanding(p string) bool {
	if h.landing[p] {
		return true
	}
	return len(p) > 1 && strings.HasSuffix(p, "/") && h.landing[strings.TrimSuffix(p, "/")]
}

// personalize runs on every origin response of a non-static request. It
// never returns an error; the rewriter degrades to passthrough instead.
func (h *Handler) personalize(resp *http.Response) error {
	ctx := resp.Request.Context()
	d, ok := ctx.Value(dispatchKey{}).(dispatch)
	if !ok {
		return nil
	}
	strategy := h.opts.Rewriter.Rewrite(resp, d.values, d.landing)
	httpmw.AddAccessLogFields(ctx, "rewrite.strategy", string(strategy))
	return nil
}

// originError answers every origin round-trip failure with a fixed 500.
// A request body over the server's cap is the client's fault and gets 413.
func (h *Handler) originError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncOriginError()
	}

	L := log.FromContext(ctx)
	if errors.Is(err, context.Canceled) {
		L.Warn(ctx, "client went away before the origin answered", "error", err.Error())
	} else {
		L.Error(ctx, xerrors.Wrap(err, "origin round trip"), "origin request failed",
			"url.path", r.URL.Path,
		)
	}

	body := http.StatusText(http.StatusInternalServerError)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, body)
}

func (h *Handler) countRewrite(s rewrite.Strategy) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncResponseRewrite(string(s))
	}
}

// outbound points pr at the origin and drops headers only this service may set.
func outbound(pr *httputil.ProxyRequest, target *url.URL) {
	pr.SetURL(target)
	pr.SetXForwarded()
	stripReserved(pr.Out.Header)
	if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(httpmw.HeaderRequestID, id)
	}
}

func stripReserved(h http.Header) {
	h.Del(stats.InternalHeader)
	for k := range h {
		if strings.HasPrefix(textproto.CanonicalMIMEHeaderKey(k), "X-Geo-") {
			delete(h, k)
		}
	}
}
