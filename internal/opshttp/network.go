package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/geoedge/internal/log"
)

// requireNonPublicNetwork rejects requests whose peer is not loopback,
// private or link-local. Anything unparseable is rejected too.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "ops request rejected: unparseable peer", "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request rejected: public peer",
				"remote_addr", addr.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
