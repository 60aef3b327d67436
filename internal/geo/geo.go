// Package geo resolves a visitor's country and city for a request and
// builds the request-scoped Context the rewriter personalizes with.
package geo

import (
	"context"
	"errors"
	"strings"

	"github.com/keithlinneman/geoedge/internal/places"
)

// Unavailable is the label used when no city could be resolved.
const Unavailable = "Ubicación no disponible"

var ErrMalformedOverride = errors.New("malformed geo override")

type Source string

const (
	SourceOverride Source = "override"
	SourceEdge     Source = "edge"
	SourceGeoIP    Source = "geoip"
	SourceDefault  Source = "default"
)

// Context is the resolved geographic identity of one request. It is built
// once by the Resolver and never modified.
type Context struct {
	CountryCode string
	CityRaw     string
	CityName    string
	CitySlug    string
	Label       string
	Source      Source
}

type ctxKey struct{}

func WithContext(ctx context.Context, g Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, g)
}

func FromContext(ctx context.Context) (Context, bool) {
	g, ok := ctx.Value(ctxKey{}).(Context)
	return g, ok
}

// ParseOverride splits "CC:city-with-hyphens" into an uppercase country
// code and a space-separated city. A bare "CC" is accepted with no city.
func ParseOverride(s string) (country, city string, err error) {
	s = strings.TrimSpace(s)
	cc, rest, _ := strings.Cut(s, ":")
	cc = strings.ToUpper(strings.TrimSpace(cc))
	if !validCountry(cc) {
		return "", "", ErrMalformedOverride
	}
	city = strings.Join(strings.Fields(strings.ReplaceAll(rest, "-", " ")), " ")
	return cc, city, nil
}

// validCountry accepts two ASCII letters, excluding the XX/T1-style
// placeholders CDNs send for unknown or anonymized origins.
func validCountry(cc string) bool {
	if len(cc) != 2 || cc == "XX" || cc == "ZZ" {
		return false
	}
	for i := 0; i < 2; i++ {
		if cc[i] < 'A' || cc[i] > 'Z' {
			return false
		}
	}
	return true
}

// Build normalizes (countryCode, cityRaw) against d into a Context. It
// never fails: an invalid country becomes fallback and an unresolvable
// city yields the Unavailable label. A nil d resolves no city.
func Build(d *places.Dictionary, countryCode, cityRaw, fallback string, src Source) Context {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	if !validCountry(cc) {
		cc = fallback
	}
	raw := strings.ToLower(strings.TrimSpace(cityRaw))

	var place places.Place
	if d != nil && raw != "" {
		place = d.Normalize(raw, cc)
	}

	label := Unavailable
	if place.Name != "" {
		label = place.Name + ", " + d.CountryLabel(cc)
	}

	return Context{
		CountryCode: cc,
		CityRaw:     raw,
		CityName:    place.Name,
		CitySlug:    place.Slug,
		Label:       label,
		Source:      src,
	}
}
