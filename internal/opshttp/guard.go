package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/sidecar-health/internal/log"
)

// requireNonPublicNetwork rejects callers outside loopback, private and
// link-local ranges.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := remoteAddr(r.RemoteAddr)
		if !ok || !nonPublic(addr) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"network.peer.address", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteAddr(hostport string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func nonPublic(a netip.Addr) bool {
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast()
}
