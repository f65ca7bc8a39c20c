package admission

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives the client key (an IP address) from a request.
type KeyExtractor struct {
	trusted []*net.IPNet
}

// NewKeyExtractor parses the trusted proxy CIDRs. With no CIDRs the
// forwarding headers are never honored and clients are keyed by RemoteAddr.
func NewKeyExtractor(trustedProxies []string) (*KeyExtractor, error) {
	nets := make([]*net.IPNet, 0, len(trustedProxies))
	for _, cidr := range trustedProxies {
		_, n, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		nets = append(nets, n)
	}
	return &KeyExtractor{trusted: nets}, nil
}

// Extract returns the first X-Forwarded-For entry, then X-Real-IP, then
// the RemoteAddr host. Forwarding headers are only read when the peer is a
// trusted proxy, and a header value that is not an IP address is skipped.
func (k *KeyExtractor) Extract(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !k.trustsPeer(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := parseIP(first); ok {
			return ip
		}
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remote
}

func (k *KeyExtractor) trustsPeer(remote string) bool {
	if len(k.trusted) == 0 {
		return false
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, n := range k.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseIP returns the canonical form of a header-supplied address.
func parseIP(s string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
