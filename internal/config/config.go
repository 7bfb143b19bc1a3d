package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is the runtime configuration of the control plane. Access point
// credentials are not part of it; they come from the settings store.
type Config struct {
	ListenHTTP     string
	ListenDNS      string
	MDNS           bool
	Hostname       string
	DataDir        string
	SettingsFile   string
	DBPath         string
	FlashCapacity  int64
	EraseBlock     int64
	ReservedMargin int64
	TickInterval   time.Duration
	ChunkSize      int
	LogLevel       string
	PprofAddr      string
	NetworkStack   string
	Interface      string
	RebootMode     string
}

const (
	NetworkStackHostapd = "hostapd"
	NetworkStackNone    = "none"

	RebootModeExec   = "exec"
	RebootModeSystem = "system"
	RebootModeNone   = "none"
)

const defaultListenHTTP = ":80"
const defaultListenDNS = ":53"
const defaultHostname = "wifiduck"
const defaultDataDir = "./data"
const defaultFlashCapacity = 16 << 20
const defaultEraseBlock = 4096
const defaultReservedMargin = 0x1000
const defaultTickInterval = 10 * time.Millisecond
const defaultChunkSize = 4096

// Parse reads flags from args on top of DUCKAP_* environment defaults.
func Parse(args []string) (Config, error) {
	cfg := Config{
		ListenHTTP:     envOrDefault("DUCKAP_LISTEN", defaultListenHTTP),
		ListenDNS:      envOrDefault("DUCKAP_DNS_LISTEN", defaultListenDNS),
		MDNS:           envBoolOrDefault("DUCKAP_MDNS", true),
		Hostname:       envOrDefault("DUCKAP_HOSTNAME", defaultHostname),
		DataDir:        envOrDefault("DUCKAP_DATA_DIR", defaultDataDir),
		SettingsFile:   envOrDefault("DUCKAP_SETTINGS_FILE", ""),
		DBPath:         envOrDefault("DUCKAP_DB_PATH", ""),
		FlashCapacity:  envInt64OrDefault("DUCKAP_FLASH_CAPACITY", defaultFlashCapacity),
		EraseBlock:     envInt64OrDefault("DUCKAP_ERASE_BLOCK", defaultEraseBlock),
		ReservedMargin: envInt64OrDefault("DUCKAP_RESERVED_MARGIN", defaultReservedMargin),
		TickInterval:   envDurationOrDefault("DUCKAP_TICK", defaultTickInterval),
		ChunkSize:      int(envInt64OrDefault("DUCKAP_CHUNK_SIZE", defaultChunkSize)),
		LogLevel:       envOrDefault("DUCKAP_LOG_LEVEL", "info"),
		PprofAddr:      envOrDefault("DUCKAP_PPROF_LISTEN", ""),
		NetworkStack:   envOrDefault("DUCKAP_NETWORK_STACK", NetworkStackHostapd),
		Interface:      envOrDefault("DUCKAP_INTERFACE", "wlan0"),
		RebootMode:     envOrDefault("DUCKAP_REBOOT_MODE", RebootModeExec),
	}

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenHTTP, "listen", cfg.ListenHTTP, "HTTP listen address")
	fs.StringVar(&cfg.ListenDNS, "dns-listen", cfg.ListenDNS, "Captive DNS UDP listen address")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "Advertise the HTTP service over multicast DNS")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "Device hostname")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for firmware images, settings and history")
	fs.StringVar(&cfg.SettingsFile, "settings", cfg.SettingsFile, "Settings INI file (default <data-dir>/settings.ini)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Update history SQLite path (default <data-dir>/duckap.db)")
	fs.Int64Var(&cfg.FlashCapacity, "flash-capacity", cfg.FlashCapacity, "Bytes available to the firmware partition")
	fs.Int64Var(&cfg.EraseBlock, "erase-block", cfg.EraseBlock, "Firmware partition erase block size in bytes")
	fs.Int64Var(&cfg.ReservedMargin, "reserved-margin", cfg.ReservedMargin, "Bytes kept free when reserving an update region")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Control loop tick interval")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Update body chunk size in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Optional pprof listen address")
	fs.StringVar(&cfg.NetworkStack, "network-stack", cfg.NetworkStack, "Network stack: hostapd|none")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "Wireless interface hosting the access point")
	fs.StringVar(&cfg.RebootMode, "reboot-mode", cfg.RebootMode, "Reboot mode after an update: exec|system|none")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		return cfg, errors.New("data dir must not be empty")
	}
	if strings.TrimSpace(cfg.SettingsFile) == "" {
		cfg.SettingsFile = filepath.Join(cfg.DataDir, "settings.ini")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "duckap.db")
	}
	cfg.Hostname = strings.TrimSpace(cfg.Hostname)
	if cfg.Hostname == "" {
		return cfg, errors.New("hostname must not be empty")
	}
	if cfg.EraseBlock <= 0 || cfg.EraseBlock&(cfg.EraseBlock-1) != 0 {
		return cfg, fmt.Errorf("erase block must be a positive power of two, got %d", cfg.EraseBlock)
	}
	if cfg.FlashCapacity < cfg.EraseBlock {
		return cfg, errors.New("flash capacity must be at least one erase block")
	}
	if cfg.ReservedMargin < 0 {
		return cfg, errors.New("reserved margin must be >= 0")
	}
	if cfg.TickInterval <= 0 {
		return cfg, errors.New("tick interval must be > 0")
	}
	if cfg.ChunkSize <= 0 {
		return cfg, errors.New("chunk size must be > 0")
	}

	cfg.NetworkStack = strings.ToLower(strings.TrimSpace(cfg.NetworkStack))
	switch cfg.NetworkStack {
	case NetworkStackHostapd, NetworkStackNone:
	default:
		return cfg, errors.New("network stack must be one of: hostapd, none")
	}
	cfg.RebootMode = strings.ToLower(strings.TrimSpace(cfg.RebootMode))
	switch cfg.RebootMode {
	case RebootModeExec, RebootModeSystem, RebootModeNone:
	default:
		return cfg, errors.New("reboot mode must be one of: exec, system, none")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
