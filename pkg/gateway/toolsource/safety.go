package toolsource

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RedirectPolicy records whether an HTTP-DSL or OpenAPI-derived tool may
// follow redirects. The HTTP and OpenAPI tool sources do not consult it:
// their http.Client follows redirects with net/http's default policy, and
// CheckURL is applied only to the first request URL.
type RedirectPolicy int

const (
	RedirectsNone RedirectPolicy = iota
	RedirectsChecked
)

// OutboundSafety is the egress policy applied to every outbound call a
// local ToolSource makes, grounded on the reference implementation's
// OutboundHttpSafety (SPEC_FULL §12): gateway-native tool calls default to
// blocking private/loopback/link-local/reserved destinations, with an
// explicit host allowlist escape hatch.
type OutboundSafety struct {
	AllowedHosts        map[string]struct{} // nil = no allowlist restriction
	AllowPrivateNetworks bool
	MaxResponseBytes     int64 // 0 = unlimited
	Redirects            RedirectPolicy
}

// Permissive is the most permissive policy, intended only for local
// development against the file-backed ConfigStore.
func Permissive() OutboundSafety {
	return OutboundSafety{AllowPrivateNetworks: true, Redirects: RedirectsChecked}
}

// GatewayDefault is the restrictive multi-tenant default.
func GatewayDefault() OutboundSafety {
	return OutboundSafety{
		AllowPrivateNetworks: false,
		MaxResponseBytes:     1024 * 1024,
		Redirects:            RedirectsNone,
	}
}

// CheckURL validates u against the policy before a request is issued.
// Hostnames are resolved so a name that resolves to a disallowed IP is
// caught as well as a literal IP. The HTTP client resolves the name again
// when it connects, so an answer that changes between the two lookups is
// not caught.
func (s OutboundSafety) CheckURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("toolsource: outbound blocked: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("toolsource: outbound blocked: missing host")
	}
	if s.AllowedHosts != nil {
		if _, ok := s.AllowedHosts[strings.ToLower(host)]; !ok {
			return fmt.Errorf("toolsource: outbound blocked: host %q not in allowlist", host)
		}
	}
	if s.AllowPrivateNetworks {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDeniedIP(ip) {
			return fmt.Errorf("toolsource: outbound blocked: destination IP %q is not allowed", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("toolsource: DNS lookup failed for host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("toolsource: DNS lookup returned no addresses for host %q", host)
	}
	for _, ip := range addrs {
		if isDeniedIP(ip) {
			return fmt.Errorf("toolsource: outbound blocked: host %q resolved to disallowed IP %q", host, ip)
		}
	}
	return nil
}

func isDeniedIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return isDeniedIPv4(ip4)
	}
	return isDeniedIPv6(ip)
}

func isDeniedIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// Carrier-grade NAT, 100.64.0.0/10.
	if ip[0] == 100 && ip[1] >= 64 && ip[1] <= 127 {
		return true
	}
	// Broadcast.
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	// Reserved / future use, 240.0.0.0/4.
	if ip[0] >= 240 {
		return true
	}
	return false
}

func isDeniedIPv6(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// RedactURL returns u with credentials, query, and fragment stripped, for
// safe inclusion in logs and error messages.
func RedactURL(u *url.URL) string {
	redacted := *u
	redacted.User = nil
	redacted.RawQuery = ""
	redacted.Fragment = ""
	return redacted.String()
}
