// Package netutil provides host normalization helpers for the captive portal.
package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// IsDeviceHost reports whether a request Host header addresses the device
// itself: its gateway address, its bare hostname or its mDNS name. An empty
// host counts as local.
func IsDeviceHost(raw, hostname string, gateway netip.Addr) bool {
	host := NormalizeHost(raw)
	if host == "" {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr == gateway || addr.IsLoopback()
	}
	name := strings.ToLower(strings.TrimSpace(hostname))
	return host == "localhost" || (name != "" && (host == name || host == name+".local"))
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
