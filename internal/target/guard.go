package target

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrPrivateHost is returned for private, loopback, link-local or
	// unspecified address literals.
	ErrPrivateHost = errors.New("backend host is a private address")

	// ErrHostNotAllowed is returned when the host is not on the allowlist.
	ErrHostNotAllowed = errors.New("backend host is not allowed")
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // includes cloud metadata
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivateAddr reports whether addr falls in a refused range. IPv4-mapped
// IPv6 addresses are judged by their IPv4 form.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// HostAllowed refuses address literals in private ranges. Hostnames are
// not resolved here, so a name that resolves to a private address (DNS
// rebinding) is not caught.
func HostAllowed(t *Target) error {
	addr, err := netip.ParseAddr(t.Host)
	if err != nil {
		if isNumericHost(t.Host) {
			// inet_aton style forms such as 2130706433 or 0x7f.1 are
			// resolved to addresses by some system resolvers.
			return fmt.Errorf("%w: ambiguous numeric host %q", ErrPrivateHost, t.Host)
		}
		return nil
	}
	if IsPrivateAddr(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateHost, addr)
	}
	return nil
}

func isNumericHost(host string) bool {
	h := strings.TrimSuffix(host, ".")
	if h == "" {
		return false
	}
	for _, part := range strings.Split(h, ".") {
		p := strings.TrimPrefix(part, "0x")
		if p == "" {
			return false
		}
		hex := part != p
		for _, r := range p {
			switch {
			case r >= '0' && r <= '9':
			case hex && (r >= 'a' && r <= 'f'):
			default:
				return false
			}
		}
	}
	return true
}

// AllowedHostSet is the set of lowercase hostnames a request may be
// forwarded to.
type AllowedHostSet map[string]struct{}

// NewAllowedHostSet builds the allowlist. A non-empty override replaces
// the default, which is the singleton of the resolved target host.
func NewAllowedHostSet(override []string, resolved *Target) AllowedHostSet {
	set := make(AllowedHostSet, max(len(override), 1))
	for _, h := range override {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			set[h] = struct{}{}
		}
	}
	if len(set) == 0 && resolved != nil {
		set[resolved.Host] = struct{}{}
	}
	return set
}

// Permits checks t's host against the set. Ports are ignored.
func (s AllowedHostSet) Permits(t *Target) error {
	if _, ok := s[strings.ToLower(t.Host)]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrHostNotAllowed, t.Host)
}

// Hosts returns the allowed hostnames.
func (s AllowedHostSet) Hosts() []string {
	out := make([]string, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	return out
}

// Guard runs both SSRF checks for a resolved target.
func Guard(t *Target, allowedOverride []string) error {
	if err := HostAllowed(t); err != nil {
		return err
	}
	return NewAllowedHostSet(allowedOverride, t).Permits(t)
}
