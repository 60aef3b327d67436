// Package rewrite personalizes origin responses: geo debug headers on
// every response, whole-body token substitution for JSON and plain text,
// and a streaming transform for HTML.
package rewrite

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/keithlinneman/geoedge/internal/log"
)

const (
	DefaultMaxBodyBytes = 8 << 20
	DefaultGlobal       = "__GEO__"

	HeaderCity    = "X-Geo-City"
	HeaderCountry = "X-Geo-Country"
)

type Metrics interface {
	IncResponseRewrite(strategy string)
}

type Options struct {
	// MaxBodyBytes bounds JSON/text bodies read into memory; larger bodies
	// pass through unmodified.
	MaxBodyBytes int64

	// Global is the window property the bootstrap script assigns.
	Global string

	// CountMarkup wraps the contacts count in HTML text, with "{count}"
	// marking the value, e.g. `<strong class="contacts-count">{count}</strong>`.
	CountMarkup string

	Metrics Metrics
}

type Rewriter struct {
	maxBody     int64
	global      string
	countMarkup string
	metrics     Metrics
}

func New(opts Options) *Rewriter {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Global == "" {
		opts.Global = DefaultGlobal
	}
	return &Rewriter{
		maxBody:     opts.MaxBodyBytes,
		global:      opts.Global,
		countMarkup: opts.CountMarkup,
		metrics:     opts.Metrics,
	}
}

// Rewrite personalizes resp in place and reports the strategy applied.
// It never fails: anything it cannot rewrite is passed through with only
// the headers adjusted.
func (rw *Rewriter) Rewrite(resp *http.Response, v Values, landing bool) Strategy {
	strategy := Classify(resp.Header.Get("Content-Type"))
	if !rewritableBody(resp) {
		strategy = StrategyPassthrough
	}
	// the proxy transport only decodes gzip it asked for itself; anything
	// still encoded here cannot be searched for tokens
	if ce := resp.Header.Get("Content-Encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
		strategy = StrategyPassthrough
	}

	switch strategy {
	case StrategyHTML:
		resp.Body = newHTMLStream(resp.Body, htmlOptions{
			values:      v,
			landing:     landing,
			global:      rw.global,
			countMarkup: rw.countMarkup,
		})
	case StrategyJSON:
		rw.substituteBody(resp, v.replacer(jsonEscape, ""))
	case StrategyText:
		rw.substituteBody(resp, v.replacer(identity, ""))
	}

	FinalizeHeaders(resp.Header, v, landing)
	resp.ContentLength = -1
	if rw.metrics != nil {
		rw.metrics.IncResponseRewrite(string(strategy))
	}
	return strategy
}

func rewritableBody(resp *http.Response) bool {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	return resp.Request == nil || resp.Request.Method != http.MethodHead
}

// substituteBody replaces every token in the whole body. Oversized bodies
// and read failures fall back to the original bytes.
func (rw *Rewriter) substituteBody(resp *http.Response, r *strings.Replacer) {
	orig := resp.Body
	buf, err := io.ReadAll(io.LimitReader(orig, rw.maxBody+1))

	if err != nil || int64(len(buf)) > rw.maxBody {
		if err != nil && resp.Request != nil {
			ctx := resp.Request.Context()
			log.FromContext(ctx).Warn(ctx, "response body read failed, passing through unmodified",
				"bytes_read", len(buf),
				"error", err.Error(),
			)
		}
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), orig), Closer: orig}
		return
	}

	if !bytes.Contains(buf, []byte(OpenMarker)) {
		resp.Body = readCloser{Reader: bytes.NewReader(buf), Closer: orig}
		return
	}
	resp.Body = readCloser{Reader: strings.NewReader(r.Replace(string(buf))), Closer: orig}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// FinalizeHeaders applies the headers every personalized response carries.
// Landing responses are unique per visitor and must not be cached by the browser.
func FinalizeHeaders(h http.Header, v Values, landing bool) {
	h.Set(HeaderCity, url.PathEscape(v.CityName))
	h.Set(HeaderCountry, v.Country)
	h.Set("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	if landing {
		h.Set("Cache-Control", "private, no-store")
	}
}
