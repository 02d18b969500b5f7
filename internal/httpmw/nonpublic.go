package httpmw

import (
	"net/http"

	"github.com/keithlinneman/iplimit/internal/log"
)

// RequireNonPublicPeer rejects peers outside loopback, private and
// link-local ranges. It checks the TCP peer, never forwarded headers.
// listener names the surface in the rejection log.
func RequireNonPublicPeer(L log.Logger, listener string) func(http.Handler) http.Handler {
	L = log.OrNop(L)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := PeerAddr(r)
			if !ok || !NonPublic(peer) {
				L.Warn(r.Context(), "request from public network rejected",
					"listener", listener,
					"remote_addr", r.RemoteAddr,
					"url.path", r.URL.Path,
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
