package placeshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/places"
	"github.com/keithlinneman/geoedge/internal/version"
)

// DictionaryProvider returns the active place dictionary, or nil before one
// is loaded.
type DictionaryProvider interface {
	Current() *places.Dictionary
}

// API serves read-only views of the running place dictionary on the ops
// listener.
type API struct {
	places DictionaryProvider
	logger log.Logger
	now    func() time.Time
}

func NewAPI(p DictionaryProvider, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		places: p,
		logger: logger,
		now:    time.Now,
	}
}

// Handler returns a router with every API route attached.
func (api *API) Handler() http.Handler {
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/places", api.HandleSummary)
	r.Get("/api/places/lookup", api.HandleLookup)
	r.Get("/api/version", api.HandleVersion)
}

type SummaryResponse struct {
	Version    string    `json:"version"`
	SHA256     string    `json:"sha256,omitempty"`
	Source     string    `json:"source"`
	LoadedAt   time.Time `json:"loaded_at"`
	ServerTime time.Time `json:"server_time"`
	Entries    int       `json:"entries"`
	Countries  []string  `json:"countries"`
}

type LookupResponse struct {
	Country      string `json:"country"`
	CountryLabel string `json:"country_label"`
	Input        string `json:"input"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Known        bool   `json:"known"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	d := api.places.Current()
	if d == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no place dictionary loaded"})
		return
	}

	countries := make([]string, 0, len(d.Countries))
	for cc := range d.Countries {
		countries = append(countries, cc)
	}
	sort.Strings(countries)

	resp := SummaryResponse{
		Version:    d.Version,
		SHA256:     d.Meta.SHA256,
		Source:     string(d.Meta.Source),
		LoadedAt:   d.Meta.LoadedAt.Truncate(time.Second),
		ServerTime: api.now().UTC().Truncate(time.Second),
		Entries:    d.Entries(),
		Countries:  countries,
	}

	api.logger.Debug(ctx, "served places summary", "version", resp.Version)
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleLookup runs the normalizer for ?country=&city= so operators can see
// what a given edge header pair turns into.
func (api *API) HandleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	d := api.places.Current()
	if d == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no place dictionary loaded"})
		return
	}

	q := r.URL.Query()
	cc := strings.ToUpper(strings.TrimSpace(q.Get("country")))
	city := q.Get("city")
	if cc == "" || strings.TrimSpace(city) == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "country and city are required"})
		return
	}

	_, known := d.Lookup(cc, city)
	p := d.Normalize(city, cc)
	api.writeJSON(ctx, w, http.StatusOK, LookupResponse{
		Country:      cc,
		CountryLabel: d.CountryLabel(cc),
		Input:        city,
		Name:         p.Name,
		Slug:         p.Slug,
		Known:        known,
	})
}

func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, version.Get())
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
