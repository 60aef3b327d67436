package geo

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/places"
)

const (
	DefaultFallbackCountry = "MX"
	DefaultOverrideParam   = "geo"
)

// Dictionaries hands out the active place dictionary. Satisfied by
// *places.Store. Resolve reads it once per request so a concurrent swap
// cannot mix two dictionaries into one Context.
type Dictionaries interface {
	Current() *places.Dictionary
}

// IPLocator is satisfied by *geoip.DB.
type IPLocator interface {
	Lookup(ip string) (country, city string, ok bool)
}

// HeaderSource names a pair of request headers a CDN uses for viewer geo.
type HeaderSource struct {
	Country string
	City    string
}

// DefaultHeaderSources are checked in order; the first with a usable
// country wins and its city header is used alongside it.
var DefaultHeaderSources = []HeaderSource{
	{Country: "CloudFront-Viewer-Country", City: "CloudFront-Viewer-City"},
	{Country: "CF-IPCountry", City: "CF-IPCity"},
	{Country: "X-Vercel-IP-Country", City: "X-Vercel-IP-City"},
}

type ResolverMetrics interface {
	IncGeoResolution(source string)
}

type Options struct {
	Places          Dictionaries
	GeoIP           IPLocator
	FallbackCountry string
	OverrideParam   string

	// TrustEdgeHeaders reads HeaderSources. Disable when the service is
	// reachable without a CDN in front that overwrites them.
	TrustEdgeHeaders bool
	HeaderSources    []HeaderSource

	Metrics ResolverMetrics
}

type Resolver struct {
	places   Dictionaries
	geoip    IPLocator
	fallback string
	param    string
	trust    bool
	headers  []HeaderSource
	metrics  ResolverMetrics
}

func NewResolver(opts Options) *Resolver {
	fallback := strings.ToUpper(strings.TrimSpace(opts.FallbackCountry))
	if !validCountry(fallback) {
		fallback = DefaultFallbackCountry
	}
	param := opts.OverrideParam
	if param == "" {
		param = DefaultOverrideParam
	}
	headers := opts.HeaderSources
	if len(headers) == 0 {
		headers = DefaultHeaderSources
	}
	return &Resolver{
		places:   opts.Places,
		geoip:    opts.GeoIP,
		fallback: fallback,
		param:    param,
		trust:    opts.TrustEdgeHeaders,
		headers:  headers,
		metrics:  opts.Metrics,
	}
}

// Resolve derives the request's Context. Precedence: a well-formed
// override query parameter, trusted edge headers, GeoIP by client IP,
// then the fallback country with no city.
func (r *Resolver) Resolve(req *http.Request) Context {
	cc, city, src := r.signal(req)
	if r.metrics != nil {
		r.metrics.IncGeoResolution(string(src))
	}
	var d *places.Dictionary
	if r.places != nil {
		d = r.places.Current()
	}
	return Build(d, cc, city, r.fallback, src)
}

func (r *Resolver) signal(req *http.Request) (country, city string, src Source) {
	if req == nil {
		return "", "", SourceDefault
	}

	if req.URL != nil {
		if v := req.URL.Query().Get(r.param); v != "" {
			if cc, c, err := ParseOverride(v); err == nil {
				return cc, c, SourceOverride
			}
		}
	}

	if r.trust {
		for _, hs := range r.headers {
			cc := strings.ToUpper(strings.TrimSpace(req.Header.Get(hs.Country)))
			if !validCountry(cc) {
				continue
			}
			return cc, decodeCity(req.Header.Get(hs.City)), SourceEdge
		}
	}

	if r.geoip != nil {
		if cc, c, ok := r.geoip.Lookup(httpmw.ClientIPFromContext(req.Context())); ok && validCountry(cc) {
			return cc, c, SourceGeoIP
		}
	}

	return "", "", SourceDefault
}

// decodeCity undoes the percent-encoding some CDNs apply to city names.
func decodeCity(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "%") {
		return v
	}
	if d, err := url.PathUnescape(v); err == nil {
		return d
	}
	return v
}
