package rewrite

import (
	"encoding/json"
	"html"
	"strconv"
	"strings"

	"github.com/keithlinneman/geoedge/internal/geo"
)

// Placeholder tokens the origin embeds in markup and JSON.
const (
	TokenLabel         = "[[GEO_LABEL]]"
	TokenCountry       = "[[GEO_COUNTRY]]"
	TokenCity          = "[[GEO_CITY]]"
	TokenCitySlug      = "[[GEO_CITY_SLUG]]"
	TokenContactsCount = "[[CONTACTS_COUNT]]"

	// OpenMarker prefixes every token; content without it is left alone.
	OpenMarker = "[["
)

// Values are the per-request substitutions. Built once, never modified.
type Values struct {
	Label         string
	Country       string
	CityName      string
	CitySlug      string
	ContactsCount int
}

func NewValues(g geo.Context, contactsCount int) Values {
	if contactsCount < 0 {
		contactsCount = 0
	}
	return Values{
		Label:         g.Label,
		Country:       g.CountryCode,
		CityName:      g.CityName,
		CitySlug:      g.CitySlug,
		ContactsCount: contactsCount,
	}
}

func (v Values) count() string { return strconv.Itoa(v.ContactsCount) }

// replacer builds a token replacer with every value passed through escape.
// countMarkup, if set, wraps the escaped count; "{count}" marks where it goes.
func (v Values) replacer(escape func(string) string, countMarkup string) *strings.Replacer {
	count := escape(v.count())
	if countMarkup != "" {
		count = strings.ReplaceAll(countMarkup, "{count}", count)
	}
	return strings.NewReplacer(
		TokenLabel, escape(v.Label),
		TokenCountry, escape(v.Country),
		TokenCity, escape(v.CityName),
		TokenCitySlug, escape(v.CitySlug),
		TokenContactsCount, count,
	)
}

// bootstrap is the JSON snapshot published to client code.
type bootstrap struct {
	Country       string `json:"country"`
	City          string `json:"city"`
	CitySlug      string `json:"citySlug"`
	Label         string `json:"label"`
	ContactsCount int    `json:"contactsCount"`
}

// BootstrapScript renders the inline script assigning the snapshot to
// window[global]. encoding/json escapes <, > and & so the payload cannot
// close the script element.
func (v Values) BootstrapScript(global string) string {
	b, _ := json.Marshal(bootstrap{
		Country:       v.Country,
		City:          v.CityName,
		CitySlug:      v.CitySlug,
		Label:         v.Label,
		ContactsCount: v.ContactsCount,
	})
	return "<script>window." + global + "=" + string(b) + ";</script>"
}

func identity(s string) string { return s }

// jsonEscape escapes s for use inside an existing JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func htmlEscape(s string) string { return html.EscapeString(s) }
