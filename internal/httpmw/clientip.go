package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how the viewer address is recovered. Forwarded
// headers are only read when the peer is on a private network.
type ClientIPOptions struct {
	// TrustedHops is the number of proxies appending to X-Forwarded-For.
	// 0 ignores the header, 1 takes the rightmost entry (a single ALB),
	// 2 the one before it (CDN then ALB), and so on.
	TrustedHops int

	// Header names a CDN header carrying the viewer address, such as
	// CloudFront-Viewer-Address ("ip:port") or CF-Connecting-IP. When set and
	// well formed it wins over X-Forwarded-For.
	Header string
}

// ClientIP resolves the client address with default options: no trusted
// proxies, so only RemoteAddr is used.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved viewer address in the context.
// The GeoIP fallback, the rate limiter and the logger all read it from there.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := opts.resolve(r)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func (o ClientIPOptions) resolve(r *http.Request) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return "0.0.0.0"
	}
	if !peer.IsPrivate() && !peer.IsLoopback() {
		// straight from the internet: nothing forwarded can be believed, and
		// nothing downstream (the origin included) should get the chance to
		stripForwarded(r, o.Header)
		return peer.String()
	}

	if o.Header != "" {
		if v, ok := parseAddr(r.Header.Get(o.Header)); ok {
			return v.String()
		}
	}

	if o.TrustedHops <= 0 {
		stripForwarded(r, "")
		return peer.String()
	}
	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer.String()
	}
	parts := strings.Split(strings.Join(xff, ","), ",")
	idx := len(parts) - o.TrustedHops
	if idx < 0 {
		// fewer entries than proxies: misconfigured or forged, fail closed
		stripForwarded(r, "")
		return peer.String()
	}
	if v, ok := parseAddr(strings.TrimSpace(parts[idx])); ok {
		return v.String()
	}
	return peer.String()
}

// parseAddr accepts a bare IP or ip:port, including bracketed IPv6.
func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func stripForwarded(r *http.Request, extra string) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
	if extra != "" {
		r.Header.Del(extra)
	}
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
