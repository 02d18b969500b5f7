package httpmw

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestExtractRealClientAddr(t *testing.T) {
	tests := []struct {
		name     string
		remote   string
		xff      string
		hops     int
		want     string
		stripped bool
	}{
		{name: "public peer ignores xff", remote: "8.8.8.8:1000", xff: "1.2.3.4", hops: 1, want: "8.8.8.8", stripped: true},
		{name: "private peer without hops", remote: "10.0.0.5:1000", xff: "1.2.3.4", hops: 0, want: "10.0.0.5", stripped: true},
		{name: "one hop takes rightmost", remote: "10.0.0.5:1000", xff: "9.9.9.9, 1.2.3.4", hops: 1, want: "1.2.3.4"},
		{name: "two hops", remote: "10.0.0.5:1000", xff: "9.9.9.9, 1.2.3.4", hops: 2, want: "9.9.9.9"},
		{name: "too few entries fails closed", remote: "10.0.0.5:1000", xff: "1.2.3.4", hops: 3, want: "10.0.0.5", stripped: true},
		{name: "garbage entry keeps peer", remote: "10.0.0.5:1000", xff: "nope", hops: 1, want: "10.0.0.5"},
		{name: "mapped ipv6 peer", remote: "[::ffff:10.0.0.7]:1000", want: "10.0.0.7", stripped: true},
		{name: "ipv6 loopback", remote: "[::1]:1000", want: "::1", stripped: true},
		{name: "malformed remote", remote: "not-an-address", want: "0.0.0.0"},
		{name: "empty remote", remote: "", want: "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			if got := extractRealClientAddr(req, tt.hops); got != tt.want {
				t.Fatalf("addr = %q, want %q", got, tt.want)
			}
			if tt.stripped && req.Header.Get("X-Forwarded-For") != "" {
				t.Fatal("X-Forwarded-For should have been stripped")
			}
		})
	}
}

func TestNonPublic(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.16.0.1":      true,
		"192.168.1.1":     true,
		"169.254.1.1":     true,
		"::1":             true,
		"::ffff:10.0.0.1": true,
		"8.8.8.8":         false,
		"203.0.113.1":     false,
		"::ffff:8.8.8.8":  false,
		"2001:4860::8888": false,
	}
	for s, want := range tests {
		if got := NonPublic(netip.MustParseAddr(s)); got != want {
			t.Errorf("NonPublic(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.2:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "198.51.100.7" {
		t.Fatalf("client ip = %q", got)
	}
}
