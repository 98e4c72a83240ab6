package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPExtractor finds the client address of a request. X-Forwarded-For
// is only consulted when the direct peer is a trusted proxy.
type ClientIPExtractor struct {
	trusted []*net.IPNet
}

// NewClientIPExtractor creates an extractor trusting the given CIDRs or
// single addresses. Unparseable entries are skipped.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, p := range trustedProxies {
		_, cidr, err := net.ParseCIDR(p)
		if err != nil {
			ip := net.ParseIP(p)
			if ip == nil {
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			cidr = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		cidrs = append(cidrs, cidr)
	}
	return &ClientIPExtractor{trusted: cidrs}
}

// Extract returns the client IP. Through trusted proxies it walks
// X-Forwarded-For right to left and returns the first untrusted hop.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get(HeaderXForwardedFor), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip != "" && !e.isTrusted(ip) {
			return ip
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
