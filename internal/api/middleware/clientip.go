package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
)

// ProxyTrust resolves the client address of a request. Forwarding headers
// are honoured only when the connection comes from a trusted proxy.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust parses proxies as IPs or CIDR ranges. Invalid entries are
// logged and skipped.
func NewProxyTrust(proxies []string) *ProxyTrust {
	pt := &ProxyTrust{}

	for _, proxy := range proxies {
		if prefix, err := netip.ParsePrefix(proxy); err == nil {
			pt.prefixes = append(pt.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(proxy)
		if err != nil {
			log.Warn().Str("proxy", proxy).Msg("Invalid trusted proxy IP/CIDR, skipping")
			continue
		}

		pt.prefixes = append(pt.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return pt
}

func (pt *ProxyTrust) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	addr = addr.Unmap()

	for _, prefix := range pt.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}

	return false
}

// ClientIP returns the originating client of r. The first X-Forwarded-For
// hop wins over X-Real-IP.
func (pt *ProxyTrust) ClientIP(r *http.Request) string {
	direct := extractDirectIP(r.RemoteAddr)
	if !pt.trusted(direct) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return direct
}

// ClientIPMiddleware stores the resolved client IP in the request context.
// Use GetClientIP to read it.
func ClientIPMiddleware(pt *ProxyTrust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, pt.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientIP returns the IP stored by ClientIPMiddleware, falling back to
// the connection address.
func GetClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}

	return extractDirectIP(r.RemoteAddr)
}

// extractDirectIP strips the port from a RemoteAddr. Unparseable values are
// returned unchanged.
func extractDirectIP(remoteAddr string) string {
	if addrPort, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return addrPort.Addr().String()
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
