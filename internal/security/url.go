package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	ErrPrivateIP     = errors.New("URL resolves to private IP address")
	ErrInvalidScheme = errors.New("URL scheme not allowed")
)

// URLPolicy decides which remote image URLs a saver may fetch.
// The zero value allows only public https hosts.
type URLPolicy struct {
	AllowHTTP    bool
	AllowPrivate bool
}

// Check rejects URLs that would let a collaborator response point the
// server at internal addresses.
func (p URLPolicy) Check(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("%w: %s", ErrInvalidScheme, parsed.Scheme)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, parsed.Scheme)
	}

	if p.AllowPrivate {
		return nil
	}
	return checkHost(parsed.Hostname())
}

func checkHost(host string) error {
	if host == "localhost" {
		return ErrPrivateIP
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	// Unresolvable hosts fail later at fetch time.
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0:
			return true
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // CGNAT
			return true
		case ip4[0] >= 240:
			return true
		}
	}
	return false
}
