package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/geoedge/internal/version"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHandler_ScrapesEdgeSeries(t *testing.T) {
	m := New()
	m.IncGeoResolution("edge")
	m.IncContactsFetch("ok")
	m.IncResponseRewrite("html")
	m.IncOriginError()
	m.IncRateLimitDenied()
	m.IncHttpPanic()

	body := scrape(t, m)
	for _, want := range []string{
		"go_goroutines",
		"process_",
		`geo_resolutions_total{source="edge"} 1`,
		`contacts_count_fetch_total{result="ok"} 1`,
		`response_rewrites_total{strategy="html"} 1`,
		"origin_errors_total 1",
		"http_requests_rate_limited_total 1",
		"http_panic_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncOriginError()
	if got := testutil.ToFloat64(b.originErrors); got != 0 {
		t.Fatalf("second registry saw %v origin errors", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	for _, tt := range []struct {
		vi   *version.Info
		want string
	}{
		{&version.Info{Version: "1.4.0", Commit: "abc", GoVersion: "go1.24", VCSDirty: &dirty}, "true"},
		{&version.Info{Version: "1.4.0"}, "unknown"},
	} {
		m := New()
		m.SetBuildInfoFromVersion("geoedge", "server", tt.vi)
		f := family(t, m.reg, "build_info")
		if f == nil || len(f.GetMetric()) != 1 {
			t.Fatal("build_info not exported")
		}
		l := labelsOf(f.GetMetric()[0])
		if l["app"] != "geoedge" || l["version"] != "1.4.0" || l["vcs_dirty"] != tt.want {
			t.Fatalf("labels = %v", l)
		}
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	m.SetPlacesStale(true)
	m.SetPlacesLastSuccess(1700000000)
	if testutil.ToFloat64(m.profiling) != 1 || testutil.ToFloat64(m.placesStale) != 1 {
		t.Fatal("gauges not raised")
	}
	m.SetProfilingActive(false)
	m.SetPlacesStale(false)
	if testutil.ToFloat64(m.profiling) != 0 || testutil.ToFloat64(m.placesStale) != 0 {
		t.Fatal("gauges not lowered")
	}
	if testutil.ToFloat64(m.placesLastSuccess) != 1700000000 {
		t.Fatal("last success not set")
	}
}

func TestSetPlacesDictionary_ReplacesSeries(t *testing.T) {
	m := New()
	m.SetPlacesDictionary("2026.10.1", "abc123", "embedded", time.Unix(1700000000, 0))
	m.SetPlacesDictionary("2026.10.2", "def456", "s3", time.Unix(1700000100, 0))

	f := family(t, m.reg, "places_dictionary_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("previous dictionary series not reset")
	}
	if l := labelsOf(f.GetMetric()[0]); l["version"] != "2026.10.2" || l["sha256"] != "def456" || l["source"] != "s3" {
		t.Fatalf("labels = %v", l)
	}
	if testutil.ToFloat64(m.placesLoadedTs) != 1700000100 {
		t.Fatal("loaded timestamp not updated")
	}
}

func TestWatcherSeries(t *testing.T) {
	m := New()
	m.IncPlacesPolls()
	m.IncPlacesSwaps()
	m.IncPlacesError("ssm")
	m.IncPlacesError("ssm")
	m.ObservePlacesLoadDuration(0.3)
	m.ObserveContactsFetchDuration(0.12)

	if testutil.ToFloat64(m.placesPollsTotal) != 1 || testutil.ToFloat64(m.placesSwapsTotal) != 1 {
		t.Fatal("poll/swap counters")
	}
	if got := testutil.ToFloat64(m.placesErrorsTotal.WithLabelValues("ssm")); got != 2 {
		t.Fatalf("ssm errors = %v", got)
	}
	if n := testutil.CollectAndCount(m.placesLoadDuration); n != 1 {
		t.Fatalf("load duration series = %d", n)
	}
	if n := testutil.CollectAndCount(m.contactsFetchDur); n != 1 {
		t.Fatalf("contacts duration series = %d", n)
	}
}

func TestMiddleware_RouteClasses(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			w.WriteHeader(http.StatusBadGateway)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = w.Write([]byte("hola"))
		}
	}))

	for _, p := range []string{"/empleos/bogota", "/empleos/lima", "/img/flag.svg", "/boom", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", RouteUnmatched, "200")); got != 2 {
		t.Fatalf("unmatched 200 = %v, want 2 (paths must not become labels)", got)
	}
	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", RouteStatic, "200")); got != 1 {
		t.Fatalf("static 200 = %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("GET", RouteUnmatched)); got != 1 {
		t.Fatalf("5xx = %v, want 1 (404 must not count)", got)
	}
	if n := testutil.CollectAndCount(m.reqTotal); n != 4 {
		t.Fatalf("request series = %d, want 4", n)
	}
	if testutil.ToFloat64(m.inflight) != 0 {
		t.Fatal("inflight gauge not released")
	}
}

func TestStatusWriter_FlushAndUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if err := http.NewResponseController(sw).Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !rec.Flushed || sw.Unwrap() != rec {
		t.Fatal("statusWriter does not reach the underlying writer")
	}
}

func TestTraceExemplar(t *testing.T) {
	if traceExemplar(httptest.NewRequest(http.MethodGet, "/", nil).Context()) != nil {
		t.Fatal("exemplar without a trace")
	}
}
