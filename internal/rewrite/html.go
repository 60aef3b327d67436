package rewrite

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// scannedAttrs may carry tokens and are rewritten in place.
var scannedAttrs = map[string]bool{
	"content":     true,
	"title":       true,
	"placeholder": true,
	"aria-label":  true,
	"alt":         true,
	"href":        true,
}

const (
	MetaCountry = "geo-country"
	MetaCity    = "geo-city"
)

var openMarker = []byte(OpenMarker)

type htmlOptions struct {
	values      Values
	landing     bool
	global      string
	countMarkup string
}

// htmlStream rewrites an HTML body token by token as it is read. Tokens
// that need no change are copied from the source bytes untouched, so
// output is byte-identical to the input apart from the rewritten tags,
// text and the injected script.
type htmlStream struct {
	src  io.ReadCloser
	z    *html.Tokenizer
	opts htmlOptions

	// attribute values are unescaped by the tokenizer and escaped again by
	// writeTag, so they take raw values; text tokens are still escaped HTML.
	// RCDATA text renders markup literally and never gets the count markup.
	attrs  *strings.Replacer
	text   *strings.Replacer
	rcdata *strings.Replacer

	out      bytes.Buffer
	rawText  string // inside <script> or <style>
	inRCDATA bool   // inside <title> or <textarea>
	sawHTML  bool
	injected bool
	err      error
}

func newHTMLStream(src io.ReadCloser, opts htmlOptions) *htmlStream {
	return &htmlStream{
		src:   src,
		z:     html.NewTokenizer(src),
		opts:  opts,
		attrs:  opts.values.replacer(identity, ""),
		text:   opts.values.replacer(htmlEscape, opts.countMarkup),
		rcdata: opts.values.replacer(htmlEscape, ""),
	}
}

func (s *htmlStream) Read(p []byte) (int, error) {
	for s.out.Len() == 0 && s.err == nil {
		s.step()
	}
	if s.out.Len() > 0 {
		return s.out.Read(p)
	}
	return 0, s.err
}

func (s *htmlStream) Close() error { return s.src.Close() }

func (s *htmlStream) step() {
	tt := s.z.Next()
	switch tt {
	case html.ErrorToken:
		s.err = s.z.Err()
		if s.err == io.EOF && s.sawHTML {
			// full documents without a head still get the snapshot; fragments do not
			s.injectScript()
		}
	case html.TextToken:
		raw := s.z.Raw()
		if s.rawText == "" && bytes.Contains(raw, openMarker) {
			r := s.text
			if s.inRCDATA {
				r = s.rcdata
			}
			s.out.WriteString(r.Replace(string(raw)))
			return
		}
		s.out.Write(raw)
	case html.StartTagToken, html.SelfClosingTagToken:
		s.startTag(tt)
	case html.EndTagToken:
		raw := append([]byte(nil), s.z.Raw()...)
		name, _ := s.z.TagName()
		switch string(name) {
		case "head":
			s.injectScript()
		case "script", "style":
			s.rawText = ""
		case "title", "textarea":
			s.inRCDATA = false
		}
		s.out.Write(raw)
	default:
		s.out.Write(s.z.Raw())
	}
}

type attr struct {
	key, val string
}

func (s *htmlStream) startTag(tt html.TokenType) {
	// TagName lowercases the tokenizer's buffer in place, so keep the original bytes first
	raw := append([]byte(nil), s.z.Raw()...)
	nameb, more := s.z.TagName()
	name := string(nameb)

	var attrs []attr
	for more {
		var k, v []byte
		k, v, more = s.z.TagAttr()
		attrs = append(attrs, attr{key: string(k), val: string(v)})
	}

	switch name {
	case "html":
		s.sawHTML = true
	case "body":
		s.sawHTML = true
		s.injectScript()
	}
	if tt == html.StartTagToken {
		switch name {
		case "script", "style":
			s.rawText = name
		case "title", "textarea":
			s.inRCDATA = true
		}
	}

	changed := false
	for i := range attrs {
		if scannedAttrs[attrs[i].key] && strings.Contains(attrs[i].val, OpenMarker) {
			attrs[i].val = s.attrs.Replace(attrs[i].val)
			changed = true
		}
	}

	if name == "meta" {
		switch attrValue(attrs, "name") {
		case MetaCountry:
			attrs = setAttr(attrs, "content", s.opts.values.Country)
			changed = true
		case MetaCity:
			attrs = setAttr(attrs, "content", s.opts.values.CityName)
			changed = true
		}
	}

	if s.opts.landing && (name == "html" || name == "body") {
		v := s.opts.values
		attrs = setAttr(attrs, "data-geo-country", v.Country)
		attrs = setAttr(attrs, "data-geo-city", v.CityName)
		attrs = setAttr(attrs, "data-geo-city-slug", v.CitySlug)
		attrs = setAttr(attrs, "data-geo-label", v.Label)
		attrs = setAttr(attrs, "data-contacts-count", v.count())
		changed = true
	}

	if !changed {
		s.out.Write(raw)
		return
	}
	writeTag(&s.out, name, attrs, tt == html.SelfClosingTagToken)
}

func (s *htmlStream) injectScript() {
	if s.injected {
		return
	}
	s.injected = true
	s.out.WriteString(s.opts.values.BootstrapScript(s.opts.global))
}

func attrValue(attrs []attr, key string) string {
	for _, a := range attrs {
		if a.key == key {
			return a.val
		}
	}
	return ""
}

func setAttr(attrs []attr, key, val string) []attr {
	for i := range attrs {
		if attrs[i].key == key {
			attrs[i].val = val
			return attrs
		}
	}
	return append(attrs, attr{key: key, val: val})
}

// writeTag serializes a start tag. Attribute values are unescaped by the
// tokenizer and escaped again here.
func writeTag(w *bytes.Buffer, name string, attrs []attr, selfClosing bool) {
	w.WriteByte('<')
	w.WriteString(name)
	for _, a := range attrs {
		w.WriteByte(' ')
		w.WriteString(a.key)
		w.WriteString(`="`)
		w.WriteString(html.EscapeString(a.val))
		w.WriteByte('"')
	}
	if selfClosing {
		w.WriteString("/>")
		return
	}
	w.WriteByte('>')
}
