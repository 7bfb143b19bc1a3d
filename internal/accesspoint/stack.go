package accesspoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// HostapdStack drives a Linux wireless interface through hostapd and
// iproute2.
type HostapdStack struct {
	Interface string
	ConfDir   string
	Run       Runner
}

var (
	_ NetworkStack = (*HostapdStack)(nil)
	_ NetworkStack = NopStack{}
)

func (s *HostapdStack) run(ctx context.Context, name string, args ...string) error {
	runner := s.Run
	if runner == nil {
		runner = ExecRunner
	}
	out, err := runner(ctx, name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func (s *HostapdStack) SetHostname(ctx context.Context, name string) error {
	return s.run(ctx, "hostname", name)
}

// StartAccessPoint renders hostapd.conf into ConfDir and starts hostapd in
// the background.
func (s *HostapdStack) StartAccessPoint(ctx context.Context, ssid, password string, channel int) error {
	if err := os.MkdirAll(s.ConfDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(s.ConfDir, "hostapd.conf")
	if err := os.WriteFile(path, []byte(HostapdConf(s.Interface, ssid, password, channel)), 0o600); err != nil {
		return fmt.Errorf("write hostapd config: %w", err)
	}
	return s.run(ctx, "hostapd", "-B", path)
}

func (s *HostapdStack) ConfigureAddress(ctx context.Context, ip, _, mask netip.Addr) error {
	bits, _ := net.IPMask(mask.AsSlice()).Size()
	prefix := netip.PrefixFrom(ip, bits)
	if err := s.run(ctx, "ip", "addr", "replace", prefix.String(), "dev", s.Interface); err != nil {
		return err
	}
	return s.run(ctx, "ip", "link", "set", s.Interface, "up")
}

// HostapdConf renders a WPA2-PSK configuration for an 802.11g access point.
func HostapdConf(iface, ssid, password string, channel int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", ssid)
	b.WriteString("hw_mode=g\n")
	fmt.Fprintf(&b, "channel=%d\n", channel)
	b.WriteString("auth_algs=1\n")
	b.WriteString("wpa=2\n")
	fmt.Fprintf(&b, "wpa_passphrase=%s\n", password)
	b.WriteString("wpa_key_mgmt=WPA-PSK\n")
	b.WriteString("rsn_pairwise=CCMP\n")
	return b.String()
}

// NopStack logs what it would configure. It is meant for development hosts
// without a wireless interface.
type NopStack struct {
	Log *slog.Logger
}

func (s NopStack) SetHostname(_ context.Context, name string) error {
	s.Log.Debug("skipping hostname", "name", name)
	return nil
}

func (s NopStack) StartAccessPoint(_ context.Context, ssid, _ string, channel int) error {
	s.Log.Debug("skipping access point", "ssid", ssid, "channel", channel)
	return nil
}

func (s NopStack) ConfigureAddress(_ context.Context, ip, gateway, mask netip.Addr) error {
	s.Log.Debug("skipping address", "ip", ip, "gateway", gateway, "mask", mask)
	return nil
}
