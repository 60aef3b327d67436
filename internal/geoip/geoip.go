// Package geoip looks up country and city for a client IP in a MaxMind
// City (or compatible) database. A nil *DB answers every lookup with ok=false.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"

	"github.com/keithlinneman/geoedge/internal/xerrors"
)

type record struct {
	Country struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

type DB struct {
	r     *maxminddb.Reader
	langs []string
}

// Open memory-maps the database at path. City names are taken in the first
// available language of langs, defaulting to es then en.
func Open(path string, langs ...string) (*DB, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open geoip database %s", path)
	}
	return newDB(r, langs), nil
}

func FromBytes(b []byte, langs ...string) (*DB, error) {
	r, err := maxminddb.FromBytes(b)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse geoip database")
	}
	return newDB(r, langs), nil
}

func newDB(r *maxminddb.Reader, langs []string) *DB {
	if len(langs) == 0 {
		langs = []string{"es", "en"}
	}
	return &DB{r: r, langs: langs}
}

// Lookup returns the ISO country code and localized city name for ip.
func (d *DB) Lookup(ip string) (country, city string, ok bool) {
	if d == nil || d.r == nil {
		return "", "", false
	}
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
		return "", "", false
	}

	var rec record
	if err := d.r.Lookup(addr, &rec); err != nil || rec.Country.IsoCode == "" {
		return "", "", false
	}
	for _, lang := range d.langs {
		if name := rec.City.Names[lang]; name != "" {
			city = name
			break
		}
	}
	return strings.ToUpper(rec.Country.IsoCode), city, true
}

// DatabaseType is the metadata type string, e.g. "GeoLite2-City".
func (d *DB) DatabaseType() string {
	if d == nil || d.r == nil {
		return ""
	}
	return d.r.Metadata.DatabaseType
}

func (d *DB) Close() error {
	if d == nil || d.r == nil {
		return nil
	}
	return d.r.Close()
}
