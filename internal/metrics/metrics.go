package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/geoedge/internal/version"
)

// ServerMetrics owns a private registry served on the ops listener.
// Labels are bounded: HTTP series are keyed by route class, never by path.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter
	limited   prometheus.Counter
	limitFull prometheus.Counter

	// process
	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge

	// request path
	geoResolutions   *prometheus.CounterVec
	contactsFetches  *prometheus.CounterVec
	contactsFetchDur prometheus.Histogram
	rewrites         *prometheus.CounterVec
	originErrors     prometheus.Counter

	// place dictionary
	placesInfo         *prometheus.GaugeVec
	placesLoadedTs     prometheus.Gauge
	placesPollsTotal   prometheus.Counter
	placesSwapsTotal   prometheus.Counter
	placesErrorsTotal  *prometheus.CounterVec
	placesLoadDuration prometheus.Histogram
	placesLastSuccess  prometheus.Gauge
	placesStale        prometheus.Gauge
}

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800}
)

// New builds the registry with the Go and process collectors plus every
// series the edge exports.
func New() *ServerMetrics {
	m := &ServerMetrics{reg: prometheus.NewRegistry()}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := factory{m.reg}

	m.inflight = f.gauge("http_inflight_requests", "Current number of in-flight HTTP requests")
	m.reqTotal = f.counterVec("http_requests_total", "HTTP requests by method, route class and status", "method", "route", "status")
	m.reqDur = f.histogramVec("http_request_duration_seconds", "Request latency by method and route class, origin time included", latencyBuckets, "method", "route")
	m.respBytes = f.histogramVec("http_response_size_bytes", "Response size toward the client by method and route class", sizeBuckets, "method", "route")
	m.errors = f.counterVec("http_errors_total", "5xx responses by method and route class (SLI)", "method", "route")
	m.panics = f.counter("http_panic_total", "Recovered handler panics")
	m.limited = f.counter("http_requests_rate_limited_total", "Requests refused by the per-address rate limiter")
	m.limitFull = f.counter("http_requests_rate_limited_capacity_total", "Times the rate limiter visitor table filled up")

	m.buildInfo = f.gaugeVec("build_info", "Build metadata (value is always 1)",
		"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version")
	m.profiling = f.gauge("profiling_active", "Whether continuous profiling is active (1) or disabled/failed (0)")

	m.geoResolutions = f.counterVec("geo_resolutions_total", "Geo resolutions by the signal that decided them (override, edge, geoip, default)", "source")
	m.contactsFetches = f.counterVec("contacts_count_fetch_total", "Contacts count lookups by result (ok, cache, timeout, error, status, decode)", "result")
	m.contactsFetchDur = f.histogram("contacts_count_fetch_duration_seconds", "Time spent waiting on the contacts count endpoint, cache hits excluded",
		[]float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1})
	m.rewrites = f.counterVec("response_rewrites_total", "Origin responses by rewrite strategy (static, html, json, text, passthrough)", "strategy")
	m.originErrors = f.counter("origin_errors_total", "Origin round trips that failed and were answered with a 500")

	m.placesInfo = f.gaugeVec("places_dictionary_info", "Active place dictionary (labels carry identity, value is always 1)", "version", "sha256", "source")
	m.placesLoadedTs = f.gauge("places_dictionary_loaded_timestamp_seconds", "Unix timestamp of when the active place dictionary was loaded")
	m.placesPollsTotal = f.counter("places_watcher_polls_total", "Place dictionary watcher poll cycles")
	m.placesSwapsTotal = f.counter("places_watcher_swaps_total", "Place dictionary swaps")
	m.placesErrorsTotal = f.counterVec("places_watcher_errors_total", "Place dictionary watcher errors by type", "type")
	m.placesLoadDuration = f.histogram("places_dictionary_load_duration_seconds", "Time to download, verify and parse a place dictionary",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
	m.placesLastSuccess = f.gauge("places_watcher_last_success_timestamp_seconds", "Unix timestamp of the last successful SSM poll")
	m.placesStale = f.gauge("places_watcher_stale", "Whether the place dictionary watcher is stale (1) or healthy (0)")

	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// factory registers each collector as it is built.
type factory struct{ reg prometheus.Registerer }

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f factory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(g)
	return g
}

func (f factory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}

func (f factory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	f.reg.MustRegister(h)
	return h
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.limited.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.limitFull.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profiling.Set(boolValue(active)) }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
