package places

import (
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/keithlinneman/geoedge/internal/cryptoutil"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

//go:embed places.json
var embeddedJSON []byte

var ErrInvalidDictionary = errors.New("invalid place dictionary")

type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceS3       Source = "s3"
)

// Place is a canonical city: display name plus URL slug.
type Place struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Meta struct {
	SHA256   string
	Source   Source
	LoadedAt time.Time
}

// Dictionary maps country code -> lookup key -> Place. Lookup keys are
// lowercase with single spaces. Read-only after Parse.
type Dictionary struct {
	Version      string
	CountryNames map[string]string
	Countries    map[string]map[string]Place
	Meta         Meta

	entries int
}

type dictionaryFile struct {
	Version      string                      `json:"version"`
	CountryNames map[string]string           `json:"country_names"`
	Countries    map[string]map[string]Place `json:"countries"`
}

// Embedded returns the dictionary compiled into the binary.
func Embedded() (*Dictionary, error) {
	d, err := Parse(embeddedJSON, SourceEmbedded)
	if err != nil {
		return nil, err
	}
	d.Meta.SHA256 = cryptoutil.SHA256Hex(embeddedJSON)
	return d, nil
}

// Parse decodes and validates a dictionary document. Keys are folded to
// lookup form so documents may use any casing.
func Parse(data []byte, source Source) (*Dictionary, error) {
	var f dictionaryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, xerrors.Newf("%w: decode: %v", ErrInvalidDictionary, err)
	}

	var problems []error
	if strings.TrimSpace(f.Version) == "" {
		problems = append(problems, errors.New("version is empty"))
	}
	if len(f.Countries) == 0 {
		problems = append(problems, errors.New("no countries"))
	}

	d := &Dictionary{
		Version:      strings.TrimSpace(f.Version),
		CountryNames: make(map[string]string, len(f.CountryNames)),
		Countries:    make(map[string]map[string]Place, len(f.Countries)),
		Meta:         Meta{Source: source, LoadedAt: time.Now().UTC()},
	}

	for cc, name := range f.CountryNames {
		code := strings.ToUpper(strings.TrimSpace(cc))
		if !validCountryCode(code) {
			problems = append(problems, xerrors.Newf("country_names: bad code %q", cc))
			continue
		}
		d.CountryNames[code] = strings.TrimSpace(name)
	}

	for cc, cities := range f.Countries {
		code := strings.ToUpper(strings.TrimSpace(cc))
		if !validCountryCode(code) {
			problems = append(problems, xerrors.Newf("countries: bad code %q", cc))
			continue
		}
		table := make(map[string]Place, len(cities))
		for raw, p := range cities {
			key := lookupKey(raw)
			switch {
			case key == "":
				problems = append(problems, xerrors.Newf("%s: empty key", code))
				continue
			case strings.TrimSpace(p.Name) == "":
				problems = append(problems, xerrors.Newf("%s/%s: empty name", code, key))
				continue
			case p.Slug == "" || Slug(p.Slug) != p.Slug:
				problems = append(problems, xerrors.Newf("%s/%s: slug %q is not canonical", code, key, p.Slug))
				continue
			}
			table[key] = Place{Name: strings.TrimSpace(p.Name), Slug: p.Slug}
		}
		d.Countries[code] = table
		d.entries += len(table)
	}

	if len(problems) > 0 {
		return nil, xerrors.Newf("%w: %w", ErrInvalidDictionary, errors.Join(problems...))
	}
	return d, nil
}

// Entries is the total number of lookup keys across all countries.
func (d *Dictionary) Entries() int {
	if d == nil {
		return 0
	}
	return d.entries
}

// Lookup is an exact match on the folded key.
func (d *Dictionary) Lookup(countryCode, rawCity string) (Place, bool) {
	if d == nil {
		return Place{}, false
	}
	p, ok := d.Countries[strings.ToUpper(strings.TrimSpace(countryCode))][lookupKey(rawCity)]
	return p, ok
}

// CountryLabel returns the display name for a code, or the code itself.
func (d *Dictionary) CountryLabel(countryCode string) string {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if d != nil {
		if name := d.CountryNames[code]; name != "" {
			return name
		}
	}
	return code
}

func lookupKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func validCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
