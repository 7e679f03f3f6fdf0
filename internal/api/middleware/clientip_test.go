package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyTrustClientIP(t *testing.T) {
	trusted := NewProxyTrust([]string{"127.0.0.1", "::1"})
	untrusted := NewProxyTrust(nil)

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		expected   string
		useTrusted bool
	}{
		{name: "RemoteAddr only", remoteAddr: "192.168.1.1:12345", expected: "192.168.1.1"},
		{name: "X-Forwarded-For from trusted proxy", remoteAddr: "127.0.0.1:12345", xff: "203.0.113.1", expected: "203.0.113.1", useTrusted: true},
		{name: "X-Forwarded-For from untrusted peer", remoteAddr: "127.0.0.1:12345", xff: "203.0.113.1", expected: "127.0.0.1"},
		{name: "X-Forwarded-For chain", remoteAddr: "127.0.0.1:12345", xff: "203.0.113.1, 198.51.100.1, 192.0.2.1", expected: "203.0.113.1", useTrusted: true},
		{name: "X-Real-IP from trusted proxy", remoteAddr: "127.0.0.1:12345", xri: "203.0.113.5", expected: "203.0.113.5", useTrusted: true},
		{name: "X-Real-IP from untrusted peer", remoteAddr: "127.0.0.1:12345", xri: "203.0.113.5", expected: "127.0.0.1"},
		{name: "X-Forwarded-For wins", remoteAddr: "127.0.0.1:12345", xff: "203.0.113.1", xri: "203.0.113.5", expected: "203.0.113.1", useTrusted: true},
		{name: "IPv6 trusted proxy", remoteAddr: "[::1]:12345", xff: "203.0.113.9", expected: "203.0.113.9", useTrusted: true},
		{name: "IPv6 RemoteAddr", remoteAddr: "[2001:db8::1]:12345", expected: "2001:db8::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr

			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}

			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			pt := untrusted
			if tc.useTrusted {
				pt = trusted
			}

			assert.Equal(t, tc.expected, pt.ClientIP(req))
		})
	}
}

func TestProxyTrustCIDR(t *testing.T) {
	pt := NewProxyTrust([]string{"10.0.0.0/8", "bogus"})
	require.Len(t, pt.prefixes, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, "203.0.113.1", pt.ClientIP(req))

	req.RemoteAddr = "11.0.0.1:12345"
	assert.Equal(t, "11.0.0.1", pt.ClientIP(req))
}

func TestExtractDirectIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"IPv4 with port", "192.168.1.1:12345", "192.168.1.1"},
		{"IPv6 with port", "[2001:db8::1]:12345", "2001:db8::1"},
		{"IPv4 without port", "192.168.1.1", "192.168.1.1"},
		{"IPv6 without port", "2001:db8::1", "2001:db8::1"},
		{"hostname with port", "gateway:8080", "gateway"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, extractDirectIP(tc.remoteAddr))
		})
	}
}

func TestMalformedRemoteAddr(t *testing.T) {
	pt := NewProxyTrust([]string{"127.0.0.1"})

	for _, addr := range []string{"", "not-an-ip", "300.300.300.300:12345", "[invalid]:12345"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr

		require.NotPanics(t, func() { pt.ClientIP(req) })
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var got string

	handler := ClientIPMiddleware(NewProxyTrust([]string{"127.0.0.1"}))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = GetClientIP(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	req.Header.Set("X-Real-IP", "198.51.100.7")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "198.51.100.7", got)

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "192.0.2.1:4000"
	assert.Equal(t, "192.0.2.1", GetClientIP(bare))
}
