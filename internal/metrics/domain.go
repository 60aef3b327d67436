package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *ServerMetrics) IncGeoResolution(source string) {
	m.geoResolutions.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) IncContactsFetch(result string) {
	m.contactsFetches.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveContactsFetchDuration(seconds float64) {
	m.contactsFetchDur.Observe(seconds)
}

func (m *ServerMetrics) IncResponseRewrite(strategy string) {
	m.rewrites.WithLabelValues(strategy).Inc()
}

func (m *ServerMetrics) IncOriginError() {
	m.originErrors.Inc()
}

// SetPlacesDictionary records the dictionary now serving requests.
func (m *ServerMetrics) SetPlacesDictionary(version, sha256, source string, loadedAt time.Time) {
	m.placesInfo.Reset()
	m.placesInfo.With(prometheus.Labels{
		"version": version,
		"sha256":  sha256,
		"source":  source,
	}).Set(1)
	m.placesLoadedTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncPlacesPolls() {
	m.placesPollsTotal.Inc()
}

func (m *ServerMetrics) IncPlacesSwaps() {
	m.placesSwapsTotal.Inc()
}

func (m *ServerMetrics) IncPlacesError(kind string) {
	m.placesErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) ObservePlacesLoadDuration(seconds float64) {
	m.placesLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetPlacesLastSuccess(unixSeconds float64) {
	m.placesLastSuccess.Set(unixSeconds)
}

func (m *ServerMetrics) SetPlacesStale(stale bool) { m.placesStale.Set(boolValue(stale)) }
