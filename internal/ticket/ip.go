package ticket

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeIP parses and canonicalizes a textual host identifier. The
// Observer treats ip as opaque; the daemon's ingestion path and the control
// channel do not call NormalizeIP, so ips reach the Observer as given.
func NormalizeIP(value string) (string, error) {
	value = strings.TrimSpace(value)
	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", value)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), nil
	}
	return ip.String(), nil
}

// IsIPv6 reports whether the normalized address has no IPv4 representation.
func IsIPv6(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	return ip.To4() == nil
}
