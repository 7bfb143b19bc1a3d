package domain

import (
	"net/netip"
	"strings"
	"testing"
)

func TestAccessPointConfigValidate(t *testing.T) {
	t.Parallel()

	valid := AccessPointConfig{SSID: "wifiduck", Password: "wifiduck", Channel: 1, Gateway: DefaultGateway}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AccessPointConfig)
	}{
		{"empty ssid", func(c *AccessPointConfig) { c.SSID = "" }},
		{"long ssid", func(c *AccessPointConfig) { c.SSID = strings.Repeat("a", 33) }},
		{"short password", func(c *AccessPointConfig) { c.Password = "short" }},
		{"channel zero", func(c *AccessPointConfig) { c.Channel = 0 }},
		{"channel fifteen", func(c *AccessPointConfig) { c.Channel = 15 }},
		{"ipv6 gateway", func(c *AccessPointConfig) { c.Gateway = netip.MustParseAddr("fe80::1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestUpdatePhaseTerminal(t *testing.T) {
	t.Parallel()

	for _, p := range []UpdatePhase{PhaseIdle, PhaseReceiving, PhaseFinalizing} {
		if p.Terminal() {
			t.Fatalf("%s must not be terminal", p)
		}
	}
	for _, p := range []UpdatePhase{PhaseSucceeded, PhaseFailed} {
		if !p.Terminal() {
			t.Fatalf("%s must be terminal", p)
		}
	}
}
