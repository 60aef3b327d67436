package httpmw

import (
	"net/http"
	"strings"
)

// VaryOnce collapses repeated Vary tokens just before the header is sent.
// The rewriter and the compressor both name Accept-Encoding; caches should
// see it once.
func VaryOnce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&varyWriter{ResponseWriter: w}, r)
	})
}

type varyWriter struct {
	http.ResponseWriter
	sent bool
}

func (w *varyWriter) WriteHeader(code int) {
	if !w.sent && code >= http.StatusOK {
		w.sent = true
		normalizeVary(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *varyWriter) Write(b []byte) (int, error) {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *varyWriter) Flush() {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *varyWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func normalizeVary(h http.Header) {
	values := h.Values("Vary")
	if len(values) == 0 {
		return
	}
	var tokens []string
	seen := make(map[string]bool)
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if tok == "*" {
				h.Set("Vary", "*")
				return
			}
			key := strings.ToLower(tok)
			if seen[key] {
				continue
			}
			seen[key] = true
			tokens = append(tokens, tok)
		}
	}
	h.Set("Vary", strings.Join(tokens, ", "))
}
