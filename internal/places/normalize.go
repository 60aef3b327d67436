package places

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// titleCaseCountries get per-word capitalization with small words kept
// lowercase. Everything else only gets its first letter raised.
var titleCaseCountries = map[string]language.Tag{
	"AR": language.Spanish, "BO": language.Spanish, "CL": language.Spanish,
	"CO": language.Spanish, "CR": language.Spanish, "CU": language.Spanish,
	"DO": language.Spanish, "EC": language.Spanish, "ES": language.Spanish,
	"GT": language.Spanish, "HN": language.Spanish, "MX": language.Spanish,
	"NI": language.Spanish, "PA": language.Spanish, "PE": language.Spanish,
	"PR": language.Spanish, "PY": language.Spanish, "SV": language.Spanish,
	"UY": language.Spanish, "VE": language.Spanish,
	"BR": language.Portuguese, "PT": language.Portuguese,
}

var stopwords = map[string]bool{
	// es
	"de": true, "del": true, "la": true, "las": true, "el": true, "los": true,
	"y": true, "e": true, "en": true, "a": true, "al": true,
	// pt
	"do": true, "da": true, "dos": true, "das": true,
}

// Normalize maps a raw city signal to a canonical Place. Precedence:
// exact dictionary hit, country heuristics, generic casing. Empty input
// yields the zero Place. A nil Dictionary skips the lookup step.
func (d *Dictionary) Normalize(rawCity, countryCode string) Place {
	key := lookupKey(rawCity)
	if key == "" {
		return Place{}
	}
	cc := strings.ToUpper(strings.TrimSpace(countryCode))

	if p, ok := d.Lookup(cc, key); ok {
		return p
	}
	if name, ok := heuristicName(cc, key); ok {
		return Place{Name: name, Slug: Slug(name)}
	}
	name := formatName(cc, key)
	return Place{Name: name, Slug: Slug(name)}
}

// heuristicName catches colloquial names for high-traffic capitals that
// arrive with extra words attached ("cdmx centro", "bogota d.c., colombia").
func heuristicName(cc, key string) (string, bool) {
	k := strings.ToLower(foldAccents(key))
	words := strings.FieldsFunc(k, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	hasWord := func(w string) bool {
		for _, x := range words {
			if x == w {
				return true
			}
		}
		return false
	}

	switch cc {
	case "MX":
		if strings.Contains(k, "cdmx") || strings.Contains(k, "ciudad de mexico") ||
			strings.Contains(k, "mexico city") || strings.Contains(k, "distrito federal") ||
			hasWord("df") {
			return "Ciudad de México", true
		}
	case "CO":
		if strings.Contains(k, "bogota") {
			return "Bogotá", true
		}
	case "AR":
		if strings.Contains(k, "buenos aires") || strings.Contains(k, "capital federal") || hasWord("caba") {
			return "Buenos Aires", true
		}
	case "PE":
		if hasWord("lima") {
			return "Lima", true
		}
	}
	return "", false
}

func formatName(cc, key string) string {
	tag, ok := titleCaseCountries[cc]
	if !ok {
		return upperFirst(key)
	}
	caser := cases.Title(tag)
	words := strings.Split(key, " ")
	for i, w := range words {
		if i > 0 && stopwords[w] {
			continue
		}
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
