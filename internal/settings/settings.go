// Package settings persists the device settings (access point credentials,
// channel and autorun script) in an INI file.
package settings

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/koltyakov/duckap/internal/domain"
)

// Settings is the persisted device configuration.
type Settings struct {
	SSID     string
	Password string
	Channel  int
	Autorun  string
}

// Keys accepted by [Store.Set], in display order.
const (
	KeySSID     = "ssid"
	KeyPassword = "password"
	KeyChannel  = "channel"
	KeyAutorun  = "autorun"
)

// Defaults returns the factory settings.
func Defaults() Settings {
	return Settings{
		SSID:     "wifiduck",
		Password: "wifiduck",
		Channel:  1,
	}
}

// AccessPoint converts the settings into an access point configuration
// served at gateway.
func (s Settings) AccessPoint(gateway netip.Addr) domain.AccessPointConfig {
	return domain.AccessPointConfig{
		SSID:     s.SSID,
		Password: s.Password,
		Channel:  s.Channel,
		Gateway:  gateway,
	}
}

// Lines renders the settings as key=value lines.
func (s Settings) Lines() []string {
	return []string{
		KeySSID + "=" + s.SSID,
		KeyPassword + "=" + s.Password,
		KeyChannel + "=" + strconv.Itoa(s.Channel),
		KeyAutorun + "=" + s.Autorun,
	}
}

// Store is a file-backed settings store.
type Store struct {
	path string

	mu  sync.Mutex
	cur Settings
}

// Open loads settings from path, writing factory defaults when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cur: Defaults()}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	} else if err != nil {
		return nil, err
	}

	cur, err := load(path)
	if err != nil {
		return nil, err
	}
	s.cur = cur
	return s, nil
}

func load(path string) (Settings, error) {
	cur := Defaults()
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return cur, fmt.Errorf("load settings %s: %w", path, err)
	}
	section := f.Section("")
	cur.SSID = section.Key(KeySSID).MustString(cur.SSID)
	cur.Password = section.Key(KeyPassword).MustString(cur.Password)
	cur.Channel = section.Key(KeyChannel).MustInt(cur.Channel)
	cur.Autorun = section.Key(KeyAutorun).MustString(cur.Autorun)
	return cur, nil
}

// Reload re-reads the file. Invalid contents are rejected and the current
// settings are kept.
func (s *Store) Reload() error {
	next, err := load(s.path)
	if err != nil {
		return err
	}
	if err := next.AccessPoint(domain.DefaultGateway).Validate(); err != nil {
		return fmt.Errorf("reload settings: %w", err)
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set updates one key and persists the file. Access point changes only take
// effect after the next restart.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case KeySSID:
		next.SSID = value
	case KeyPassword:
		next.Password = value
	case KeyChannel:
		ch, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("channel must be a number: %q", value)
		}
		next.Channel = ch
	case KeyAutorun:
		next.Autorun = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := next.AccessPoint(domain.DefaultGateway).Validate(); err != nil {
		return err
	}

	prev := s.cur
	s.cur = next
	if err := s.save(); err != nil {
		s.cur = prev
		return err
	}
	return nil
}

// Reset restores and persists the factory settings.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Defaults()
	return s.save()
}

func (s *Store) save() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	f := ini.Empty()
	section := f.Section("")
	for _, kv := range s.cur.Lines() {
		k, v, _ := strings.Cut(kv, "=")
		if _, err := section.NewKey(k, v); err != nil {
			return err
		}
	}
	if err := f.SaveTo(s.path); err != nil {
		return fmt.Errorf("save settings %s: %w", s.path, err)
	}
	return nil
}
