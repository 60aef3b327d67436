package rewrite

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/keithlinneman/geoedge/internal/geo"
)

var bogotaValues = Values{
	Label:         "Bogotá, Colombia",
	Country:       "CO",
	CityName:      "Bogotá",
	CitySlug:      "bogota",
	ContactsCount: 7,
}

func newResponse(contentType, body string) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", "123")
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       httptest.NewRequest(http.MethodGet, "/", nil),
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func rewriteHTML(t *testing.T, rw *Rewriter, body string, v Values, landing bool) (*http.Response, *goquery.Document, string) {
	t.Helper()
	resp := newResponse("text/html; charset=utf-8", body)
	if s := rw.Rewrite(resp, v, landing); s != StrategyHTML {
		t.Fatalf("strategy = %s, want html", s)
	}
	out := readBody(t, resp)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return resp, doc, out
}

const page = `<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<meta name="geo-country" content="">
<meta name="geo-city" content="">
<meta name="description" content="Empleos en [[GEO_LABEL]]">
<title>Empleos en [[GEO_CITY]]</title>
</head>
<body class="home">
<h1 id="headline">Trabajos en [[GEO_CITY]]</h1>
<p id="count">[[CONTACTS_COUNT]] contactos</p>
<img id="flag" src="/img/flag.svg" alt="[[GEO_CITY]]">
<a id="link" href="/empleos/[[GEO_CITY_SLUG]]" title="Ver [[GEO_LABEL]]">ver</a>
<input id="q" placeholder="Buscar en [[GEO_CITY]]" aria-label="[[GEO_COUNTRY]]">
<p id="plain">Sin marcadores</p>
<script>var grid = [[1,2],[3,4]]; var t = "[[GEO_CITY]]";</script>
</body>
</html>`

func TestHTML_TextAndAttributes(t *testing.T) {
	_, doc, _ := rewriteHTML(t, New(Options{}), page, bogotaValues, false)

	if got := doc.Find("#count").Text(); got != "7 contactos" {
		t.Fatalf("count text = %q, want %q", got, "7 contactos")
	}
	if got := doc.Find("#headline").Text(); got != "Trabajos en Bogotá" {
		t.Fatalf("headline = %q", got)
	}
	if got := doc.Find("title").Text(); got != "Empleos en Bogotá" {
		t.Fatalf("title = %q", got)
	}

	attrs := []struct{ sel, attr, want string }{
		{"#flag", "alt", "Bogotá"},
		{"#link", "href", "/empleos/bogota"},
		{"#link", "title", "Ver Bogotá, Colombia"},
		{"#q", "placeholder", "Buscar en Bogotá"},
		{"#q", "aria-label", "CO"},
		{`meta[name="description"]`, "content", "Empleos en Bogotá, Colombia"},
		{`meta[name="geo-country"]`, "content", "CO"},
		{`meta[name="geo-city"]`, "content", "Bogotá"},
		{"#flag", "src", "/img/flag.svg"},
	}
	for _, a := range attrs {
		if got, _ := doc.Find(a.sel).Attr(a.attr); got != a.want {
			t.Errorf("%s[%s] = %q, want %q", a.sel, a.attr, got, a.want)
		}
	}
}

func TestHTML_ScriptContentUntouched(t *testing.T) {
	_, doc, _ := rewriteHTML(t, New(Options{}), page, bogotaValues, false)
	var found bool
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(s.Text(), "var grid") {
			found = true
			if !strings.Contains(s.Text(), `[[1,2],[3,4]]`) || !strings.Contains(s.Text(), `"[[GEO_CITY]]"`) {
				t.Fatalf("script content modified: %q", s.Text())
			}
		}
	})
	if !found {
		t.Fatal("page script missing")
	}
}

func TestHTML_BootstrapScript(t *testing.T) {
	_, doc, out := rewriteHTML(t, New(Options{}), page, bogotaValues, false)

	if n := strings.Count(out, "window.__GEO__="); n != 1 {
		t.Fatalf("bootstrap script injected %d times, want 1", n)
	}
	head := doc.Find("head script")
	if head.Length() != 1 {
		t.Fatalf("head scripts = %d, want 1", head.Length())
	}
	js := strings.TrimSuffix(strings.TrimPrefix(head.Text(), "window.__GEO__="), ";")
	var got struct {
		Country       string `json:"country"`
		City          string `json:"city"`
		CitySlug      string `json:"citySlug"`
		Label         string `json:"label"`
		ContactsCount int    `json:"contactsCount"`
	}
	if err := json.Unmarshal([]byte(js), &got); err != nil {
		t.Fatalf("bootstrap payload %q: %v", js, err)
	}
	if got.Country != "CO" || got.City != "Bogotá" || got.CitySlug != "bogota" || got.Label != "Bogotá, Colombia" || got.ContactsCount != 7 {
		t.Fatalf("bootstrap = %+v", got)
	}
	if !strings.Contains(out, `"contactsCount":7}`) {
		t.Fatal("contactsCount should be a JSON number")
	}
}

func TestHTML_BootstrapEscapesScriptBreakout(t *testing.T) {
	v := bogotaValues
	v.Label = `</script><script>alert(1)</script>`
	_, _, out := rewriteHTML(t, New(Options{}), "<html><head></head><body></body></html>", v, false)
	if strings.Contains(out, "alert(1)</script>") {
		t.Fatalf("label escaped the script element: %s", out)
	}
}

func TestHTML_Landing(t *testing.T) {
	resp, doc, _ := rewriteHTML(t, New(Options{}), page, bogotaValues, true)

	for _, sel := range []string{"html", "body"} {
		s := doc.Find(sel)
		want := map[string]string{
			"data-geo-country":    "CO",
			"data-geo-city":       "Bogotá",
			"data-geo-city-slug":  "bogota",
			"data-geo-label":      "Bogotá, Colombia",
			"data-contacts-count": "7",
		}
		for k, v := range want {
			if got, _ := s.Attr(k); got != v {
				t.Errorf("%s[%s] = %q, want %q", sel, k, got, v)
			}
		}
	}
	if got, _ := doc.Find("html").Attr("lang"); got != "es" {
		t.Fatalf("existing attributes lost: lang=%q", got)
	}
	if got, _ := doc.Find("body").Attr("class"); got != "home" {
		t.Fatalf("existing attributes lost: class=%q", got)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "private, no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestHTML_NonLandingKeepsOriginCaching(t *testing.T) {
	resp := newResponse("text/html", page)
	resp.Header.Set("Cache-Control", "public, max-age=60")
	New(Options{}).Rewrite(resp, bogotaValues, false)
	out := readBody(t, resp)

	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=60" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if strings.Contains(out, "data-geo-country") {
		t.Fatal("data attributes belong to the landing route only")
	}
}

func TestHTML_UntouchedMarkupIsByteIdentical(t *testing.T) {
	in := `<!doctype html><HTML><Head><!-- c --><link rel=stylesheet href=a.css></Head><BODY data-x='1'><p>a &amp; b</p></BODY></HTML>`
	_, _, out := rewriteHTML(t, New(Options{}), in, bogotaValues, false)

	script := bogotaValues.BootstrapScript(DefaultGlobal)
	want := strings.Replace(in, "</Head>", script+"</Head>", 1)
	if out != want {
		t.Fatalf("output differs:\n got %s\nwant %s", out, want)
	}
}

func TestHTML_EscapesValues(t *testing.T) {
	v := bogotaValues
	v.CityName = `<b>"Tres" & Ríos</b>`
	_, doc, out := rewriteHTML(t, New(Options{}), `<html><head></head><body><p id="t">[[GEO_CITY]]</p><img alt="[[GEO_CITY]]"></body></html>`, v, false)

	if doc.Find("#t b").Length() != 0 {
		t.Fatalf("value injected markup: %s", out)
	}
	if got := doc.Find("#t").Text(); got != v.CityName {
		t.Fatalf("text = %q, want %q", got, v.CityName)
	}
	if got, _ := doc.Find("img").Attr("alt"); got != v.CityName {
		t.Fatalf("alt = %q, want %q", got, v.CityName)
	}
}

func TestHTML_CountMarkup(t *testing.T) {
	rw := New(Options{CountMarkup: `<strong class="contacts-count">{count}</strong>`})
	_, doc, _ := rewriteHTML(t, rw, page, bogotaValues, false)

	if got := doc.Find("#count strong.contacts-count").Text(); got != "7" {
		t.Fatalf("styled count = %q", got)
	}
	if got := doc.Find("#count").Text(); got != "7 contactos" {
		t.Fatalf("count text = %q", got)
	}
	if got, _ := doc.Find(`meta[name="description"]`).Attr("content"); strings.Contains(got, "<strong") {
		t.Fatal("count markup must not leak into attributes")
	}
}

func TestHTML_CountMarkupSkipsRCDATA(t *testing.T) {
	rw := New(Options{CountMarkup: `<strong class="n">{count}</strong>`})
	body := `<html><head><title>[[CONTACTS_COUNT]] contactos</title></head>` +
		`<body><textarea name="q">[[CONTACTS_COUNT]] en [[GEO_CITY]]</textarea><p>[[CONTACTS_COUNT]]</p></body></html>`
	_, doc, out := rewriteHTML(t, rw, body, bogotaValues, false)

	if !strings.Contains(out, "<title>7 contactos</title>") {
		t.Fatalf("title not rewritten with the plain count: %s", out)
	}
	if !strings.Contains(out, `<textarea name="q">7 en Bogotá</textarea>`) {
		t.Fatalf("textarea not rewritten with the plain count: %s", out)
	}
	if got := doc.Find("title").Text(); got != "7 contactos" {
		t.Fatalf("title text = %q", got)
	}
	if got := doc.Find("p strong.n").Text(); got != "7" {
		t.Fatalf("body text lost the count markup: %s", out)
	}
}

func TestHTML_FragmentGetsNoBootstrap(t *testing.T) {
	resp := newResponse("text/html", `<li>[[GEO_CITY]]</li>`)
	New(Options{}).Rewrite(resp, bogotaValues, false)
	if out := readBody(t, resp); out != `<li>Bogotá</li>` {
		t.Fatalf("fragment = %q", out)
	}
}

func TestHTML_NoHeadInjectsBeforeBody(t *testing.T) {
	resp := newResponse("text/html", `<html><body><p>x</p></body></html>`)
	New(Options{}).Rewrite(resp, bogotaValues, false)
	out := readBody(t, resp)
	if !strings.HasPrefix(out, "<html><script>window.__GEO__=") || strings.Count(out, "<script>") != 1 {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestHTML_Streams(t *testing.T) {
	pr, pw := io.Pipe()
	proceed := make(chan struct{})
	go func() {
		_, _ = pw.Write([]byte(`<html><head><title>a</title></head><body><p>`))
		<-proceed
		_, _ = pw.Write([]byte(`[[GEO_CITY]]</p></body></html>`))
		_ = pw.Close()
	}()

	resp := newResponse("text/html", "")
	resp.Body = pr
	New(Options{}).Rewrite(resp, bogotaValues, false)

	first := make(chan string, 1)
	go func() {
		buf := make([]byte, 6)
		n, _ := io.ReadFull(resp.Body, buf)
		first <- string(buf[:n])
	}()

	select {
	case got := <-first:
		if got != "<html>" {
			t.Fatalf("first bytes = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rewriter buffered the whole body before emitting output")
	}

	close(proceed)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if !strings.Contains(string(rest), "<p>Bogotá</p>") {
		t.Fatalf("rest = %q", rest)
	}
}

func TestJSON_Substitution(t *testing.T) {
	resp := newResponse("application/json", `{"msg":"Hello [[GEO_CITY]]"}`)
	if s := New(Options{}).Rewrite(resp, bogotaValues, false); s != StrategyJSON {
		t.Fatalf("strategy = %s", s)
	}
	if got := readBody(t, resp); got != `{"msg":"Hello Bogotá"}` {
		t.Fatalf("body = %s", got)
	}
}

func TestJSON_EmptyCityBecomesEmptyString(t *testing.T) {
	v := NewValues(geo.Context{CountryCode: "MX", Label: geo.Unavailable}, 0)
	resp := newResponse("application/json; charset=utf-8", `{"msg":"Hello [[GEO_CITY]]","n":[[CONTACTS_COUNT]]}`)
	New(Options{}).Rewrite(resp, v, false)
	if got := readBody(t, resp); got != `{"msg":"Hello ","n":0}` {
		t.Fatalf("body = %s", got)
	}
}

func TestJSON_EscapesValues(t *testing.T) {
	v := bogotaValues
	v.Label = "Say \"hola\"\n\\"
	resp := newResponse("application/vnd.api+json", `{"label":"[[GEO_LABEL]]"}`)
	New(Options{}).Rewrite(resp, v, false)
	got := readBody(t, resp)

	var decoded map[string]string
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("rewritten JSON invalid: %v (%s)", err, got)
	}
	if decoded["label"] != v.Label {
		t.Fatalf("label = %q", decoded["label"])
	}
}

func TestText_Substitution(t *testing.T) {
	resp := newResponse("text/plain", "Hola [[GEO_LABEL]] ([[GEO_COUNTRY]]/[[GEO_CITY_SLUG]]): [[CONTACTS_COUNT]]")
	if s := New(Options{}).Rewrite(resp, bogotaValues, false); s != StrategyText {
		t.Fatalf("strategy = %s", s)
	}
	if got := readBody(t, resp); got != "Hola Bogotá, Colombia (CO/bogota): 7" {
		t.Fatalf("body = %q", got)
	}
}

func TestJSON_OversizedPassesThrough(t *testing.T) {
	body := `{"msg":"Hello [[GEO_CITY]]","pad":"xxxxxxxxxxxxxxxxxxxxxxxx"}`
	resp := newResponse("application/json", body)
	New(Options{MaxBodyBytes: 16}).Rewrite(resp, bogotaValues, false)
	if got := readBody(t, resp); got != body {
		t.Fatalf("body = %s", got)
	}
}

type failingReader struct {
	data []byte
	err  error
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.done {
		f.done = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func TestJSON_ReadFailurePassesOriginalThrough(t *testing.T) {
	boom := errors.New("connection reset")
	resp := newResponse("application/json", "")
	resp.Body = io.NopCloser(&failingReader{data: []byte(`{"msg":"[[GEO_CITY]]`), err: boom})

	New(Options{}).Rewrite(resp, bogotaValues, false)
	got, err := io.ReadAll(resp.Body)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want original read error", err)
	}
	if string(got) != `{"msg":"[[GEO_CITY]]` {
		t.Fatalf("bytes read so far were altered: %q", got)
	}
	if resp.Header.Get(HeaderCountry) != "CO" {
		t.Fatal("headers must still be finalized")
	}
}

func TestPassthrough(t *testing.T) {
	tests := []struct {
		name string
		resp func() *http.Response
	}{
		{"unknown type", func() *http.Response { return newResponse("image/png", "[[GEO_CITY]]") }},
		{"no type", func() *http.Response { return newResponse("", "[[GEO_CITY]]") }},
		{"encoded", func() *http.Response {
			r := newResponse("text/html", "[[GEO_CITY]]")
			r.Header.Set("Content-Encoding", "br")
			return r
		}},
		{"head", func() *http.Response {
			r := newResponse("application/json", "[[GEO_CITY]]")
			r.Request = httptest.NewRequest(http.MethodHead, "/", nil)
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.resp()
			if s := New(Options{}).Rewrite(resp, bogotaValues, false); s != StrategyPassthrough {
				t.Fatalf("strategy = %s", s)
			}
			if got := readBody(t, resp); got != "[[GEO_CITY]]" {
				t.Fatalf("body = %q", got)
			}
			if resp.Header.Get(HeaderCity) != "Bogot%C3%A1" || resp.Header.Get("Content-Length") != "" {
				t.Fatalf("headers not finalized: %v", resp.Header)
			}
		})
	}

	notModified := newResponse("text/html", "")
	notModified.StatusCode = http.StatusNotModified
	notModified.Body = http.NoBody
	if s := New(Options{}).Rewrite(notModified, bogotaValues, false); s != StrategyPassthrough {
		t.Fatalf("304 strategy = %s", s)
	}
}

func TestFinalizeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "10")
	h.Set("Vary", "Cookie")
	h.Set("X-Geo-City", "spoofed")
	FinalizeHeaders(h, bogotaValues, false)

	if h.Get(HeaderCity) != "Bogot%C3%A1" || h.Get(HeaderCountry) != "CO" {
		t.Fatalf("geo headers = %q %q", h.Get(HeaderCity), h.Get(HeaderCountry))
	}
	if h.Get("Vary") != "Accept-Encoding" || h.Get("Content-Length") != "" || h.Get("Cache-Control") != "" {
		t.Fatalf("headers = %v", h)
	}

	FinalizeHeaders(h, bogotaValues, true)
	if h.Get("Cache-Control") != "private, no-store" {
		t.Fatal("landing responses must be private, no-store")
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]Strategy{
		"text/html":                       StrategyHTML,
		"TEXT/HTML; charset=UTF-8":        StrategyHTML,
		"application/xhtml+xml":           StrategyHTML,
		"application/json":                StrategyJSON,
		"application/problem+json":        StrategyJSON,
		"text/plain; charset=utf-8":       StrategyText,
		"text/css":                        StrategyPassthrough,
		"application/javascript":          StrategyPassthrough,
		"":                                StrategyPassthrough,
		"text/html;;; broken=":            StrategyHTML,
		"application/octet-stream; q=0.1": StrategyPassthrough,
	}
	for ct, want := range tests {
		if got := Classify(ct); got != want {
			t.Errorf("Classify(%q) = %s, want %s", ct, got, want)
		}
	}
}

type spyMetrics map[string]int

func (s spyMetrics) IncResponseRewrite(strategy string) { s[strategy]++ }

func TestRewrite_Metrics(t *testing.T) {
	m := spyMetrics{}
	rw := New(Options{Metrics: m})
	rw.Rewrite(newResponse("text/html", "<p></p>"), bogotaValues, false)
	rw.Rewrite(newResponse("application/json", "{}"), bogotaValues, false)
	rw.Rewrite(newResponse("image/webp", ""), bogotaValues, false)
	if m["html"] != 1 || m["json"] != 1 || m["passthrough"] != 1 {
		t.Fatalf("metrics = %v", m)
	}
}

func TestNewValues(t *testing.T) {
	v := NewValues(geo.Context{CountryCode: "CO", CityName: "Bogotá", CitySlug: "bogota", Label: "Bogotá, Colombia"}, -3)
	if v.ContactsCount != 0 || v.Country != "CO" || v.CityName != "Bogotá" {
		t.Fatalf("NewValues = %+v", v)
	}
	if got := v.replacer(identity, "").Replace(TokenContactsCount); got != "0" {
		t.Fatalf("count token = %q", got)
	}
	if !bytes.Contains([]byte(v.BootstrapScript("__X__")), []byte("window.__X__=")) {
		t.Fatal("custom global not used")
	}
}
