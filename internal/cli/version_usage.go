package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`duckap - WiFi Duck access point control plane

Hosts the access point, captive DNS, firmware upload endpoint and the
command websocket of a WiFi Duck style device.

Usage:
  duckap                                Start the control plane
  duckap run [flags]                    Start the control plane
  duckap version                        Print version
  duckap help                           Show this help

Flags (run --help for the full list):
  --listen ADDR             HTTP listen address (default :80)
  --dns-listen ADDR         Captive DNS listen address (default :53)
  --data-dir DIR            Firmware images, settings and history (default ./data)
  --network-stack MODE      hostapd|none (default hostapd)
  --reboot-mode MODE        exec|system|none (default exec)

Environment Variables:
  DUCKAP_LISTEN             HTTP listen address
  DUCKAP_DNS_LISTEN         Captive DNS listen address
  DUCKAP_MDNS               Advertise over multicast DNS (true|false)
  DUCKAP_HOSTNAME           Device hostname (default: wifiduck)
  DUCKAP_DATA_DIR           Data directory
  DUCKAP_SETTINGS_FILE      Settings INI file (default: <data-dir>/settings.ini)
  DUCKAP_DB_PATH            Update history database (default: <data-dir>/duckap.db)
  DUCKAP_FLASH_CAPACITY     Bytes available to the firmware partition
  DUCKAP_ERASE_BLOCK        Firmware partition erase block size
  DUCKAP_RESERVED_MARGIN    Bytes kept free when reserving an update region
  DUCKAP_CHUNK_SIZE         Update body chunk size
  DUCKAP_TICK               Control loop tick interval (default: 10ms)
  DUCKAP_LOG_LEVEL          Log level: debug|info|warn|error (default: info)
  DUCKAP_PPROF_LISTEN       Optional pprof and metrics listen address
  DUCKAP_NETWORK_STACK      Network stack: hostapd|none
  DUCKAP_INTERFACE          Wireless interface (default: wlan0)
  DUCKAP_REBOOT_MODE        Reboot mode: exec|system|none

Values may also be placed in ./.env; process environment wins.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("duckap", Version)
}
