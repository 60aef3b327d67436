package places

import (
	"sync/atomic"
	"time"
)

// Store holds the active Dictionary. Reads are lock-free; Set publishes a
// new dictionary for subsequent requests.
type Store struct {
	active atomic.Pointer[Dictionary]
}

func NewStore(d *Dictionary) *Store {
	s := &Store{}
	if d != nil {
		s.Set(d)
	}
	return s
}

func (s *Store) Set(d *Dictionary) {
	if d == nil {
		return
	}
	if d.Meta.LoadedAt.IsZero() {
		d.Meta.LoadedAt = time.Now().UTC()
	}
	s.active.Store(d)
}

// Current may return nil before the first Set; Dictionary methods are nil-safe.
func (s *Store) Current() *Dictionary { return s.active.Load() }

func (s *Store) Ready() bool { return s.active.Load() != nil }

// Version is reported in the X-Places-Version response header.
func (s *Store) Version() string {
	if d := s.active.Load(); d != nil {
		return d.Version
	}
	return ""
}

func (s *Store) Hash() string {
	if d := s.active.Load(); d != nil {
		return d.Meta.SHA256
	}
	return ""
}

func (s *Store) Normalize(rawCity, countryCode string) Place {
	return s.Current().Normalize(rawCity, countryCode)
}

func (s *Store) CountryLabel(countryCode string) string {
	return s.Current().CountryLabel(countryCode)
}
