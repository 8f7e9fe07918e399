package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
)

// requireNonPublicNetwork rejects callers outside loopback, private and
// link-local ranges. The security group already restricts the admin port;
// this keeps pprof and metrics closed if that ever slips.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(w, r, L, "malformed remote addr")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			forbid(w, r, L, "unparseable remote ip")
			return
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			forbid(w, r, L, "public source address")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request rejected", "reason", reason, "remote_addr", r.RemoteAddr, "url.path", r.URL.Path)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}
