package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("DUCKAP_DATA_DIR", "")
	t.Setenv("DUCKAP_SETTINGS_FILE", "")
	t.Setenv("DUCKAP_DB_PATH", "")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenHTTP != ":80" || cfg.ListenDNS != ":53" {
		t.Fatalf("unexpected listen defaults: %q %q", cfg.ListenHTTP, cfg.ListenDNS)
	}
	if cfg.SettingsFile != filepath.Join("./data", "settings.ini") {
		t.Fatalf("unexpected settings path %q", cfg.SettingsFile)
	}
	if cfg.DBPath != filepath.Join("./data", "duckap.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.ReservedMargin != 0x1000 || cfg.EraseBlock != 4096 {
		t.Fatalf("unexpected flash defaults: margin=%d block=%d", cfg.ReservedMargin, cfg.EraseBlock)
	}
	if cfg.TickInterval != 10*time.Millisecond {
		t.Fatalf("unexpected tick %s", cfg.TickInterval)
	}
}

func TestParseEnvAndFlags(t *testing.T) {
	t.Setenv("DUCKAP_FLASH_CAPACITY", "0x200000")
	t.Setenv("DUCKAP_REBOOT_MODE", "none")

	cfg, err := Parse([]string{"--data-dir", "/tmp/duck", "--network-stack", "NONE", "--tick", "50ms"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FlashCapacity != 0x200000 {
		t.Fatalf("expected capacity from env, got %d", cfg.FlashCapacity)
	}
	if cfg.RebootMode != RebootModeNone {
		t.Fatalf("expected reboot mode none, got %q", cfg.RebootMode)
	}
	if cfg.NetworkStack != NetworkStackNone {
		t.Fatalf("expected normalized network stack, got %q", cfg.NetworkStack)
	}
	if cfg.SettingsFile != filepath.Join("/tmp/duck", "settings.ini") {
		t.Fatalf("settings path should follow data dir, got %q", cfg.SettingsFile)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Fatalf("expected tick 50ms, got %s", cfg.TickInterval)
	}
}

func TestParseTickFromEnv(t *testing.T) {
	t.Setenv("DUCKAP_TICK", "20ms")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Fatalf("expected tick 20ms from env, got %s", cfg.TickInterval)
	}

	cfg, err = Parse([]string{"--tick", "5ms"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval != 5*time.Millisecond {
		t.Fatalf("flag should override env tick, got %s", cfg.TickInterval)
	}

	t.Setenv("DUCKAP_TICK", "soon")
	cfg, err = Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval != defaultTickInterval {
		t.Fatalf("unparsable env tick should fall back to %s, got %s", defaultTickInterval, cfg.TickInterval)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "erase block not power of two", args: []string{"--erase-block", "3000"}},
		{name: "capacity below block", args: []string{"--flash-capacity", "1024"}},
		{name: "negative margin", args: []string{"--reserved-margin", "-1"}},
		{name: "zero tick", args: []string{"--tick", "0s"}},
		{name: "zero chunk", args: []string{"--chunk-size", "0"}},
		{name: "unknown stack", args: []string{"--network-stack", "nmcli"}},
		{name: "unknown reboot mode", args: []string{"--reboot-mode", "kexec"}},
		{name: "empty hostname", args: []string{"--hostname", " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}
