package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies in front of this
	// server. 0 ignores X-Forwarded-For, 1 takes the rightmost entry, 2 the
	// second from the end and so on.
	TrustedHops int
}

// ClientIPWithOptions returns middleware that resolves the client IP and
// stores it in the request context.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// extractRealClientAddr trusts X-Forwarded-For only when the peer is on a
// non-public network and proxies are configured. Otherwise the forwarded
// headers are stripped so nothing downstream can trust them by accident.
// This is the address of the API caller (the host process), not the player
// address carried in login bodies.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	peer, ok := PeerAddr(r)
	if !ok {
		return "0.0.0.0"
	}

	if !NonPublic(peer) || trustedHops <= 0 {
		stripForwarded(r)
		return peer.String()
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer.String()
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies, fail closed
		stripForwarded(r)
		return peer.String()
	}
	if candidate, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return candidate.Unmap().String()
	}
	return peer.String()
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// PeerAddr parses the request's RemoteAddr. IPv4-mapped IPv6 addresses are
// unmapped.
func PeerAddr(r *http.Request) (netip.Addr, bool) {
	if r.RemoteAddr == "" {
		return netip.Addr{}, false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// NonPublic reports whether addr is loopback, private or link-local.
func NonPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
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
