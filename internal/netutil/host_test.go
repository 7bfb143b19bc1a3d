package netutil

import (
	"net/netip"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"WiFiDuck.local:80":  "wifiduck.local",
		" example.com. ":     "example.com",
		"[2001:db8::1]:8080": "2001:db8::1",
		"192.168.4.1:80":     "192.168.4.1",
		"captive.apple.com":  "captive.apple.com",
		"localhost:10443":    "localhost",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestIsDeviceHost(t *testing.T) {
	t.Parallel()

	gw := netip.MustParseAddr("192.168.4.1")
	tests := map[string]bool{
		"":                              true,
		"192.168.4.1":                   true,
		"192.168.4.1:80":                true,
		"wifiduck":                      true,
		"WIFIDUCK.local.":               true,
		"127.0.0.1:8080":                true,
		"connectivitycheck.gstatic.com": false,
		"10.0.0.1":                      false,
		"wifiduck.example.com":          false,
	}
	for in, want := range tests {
		if got := IsDeviceHost(in, "wifiduck", gw); got != want {
			t.Fatalf("IsDeviceHost(%q) = %v, want %v", in, got, want)
		}
	}
}
