// Package accesspoint brings up the isolated wireless network the device
// serves its control plane on.
package accesspoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/koltyakov/duckap/internal/domain"
)

// ErrAlreadyStarted is returned by a second call to [Manager.Start].
var ErrAlreadyStarted = errors.New("access point already started")

// NetworkStack is the platform layer that actually configures the radio and
// the interface address.
type NetworkStack interface {
	SetHostname(ctx context.Context, name string) error
	StartAccessPoint(ctx context.Context, ssid, password string, channel int) error
	ConfigureAddress(ctx context.Context, ip, gateway, mask netip.Addr) error
}

// Manager applies an AccessPointConfig to a NetworkStack exactly once.
type Manager struct {
	stack    NetworkStack
	hostname string
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	cfg     domain.AccessPointConfig
}

func NewManager(stack NetworkStack, hostname string, logger *slog.Logger) *Manager {
	return &Manager{stack: stack, hostname: hostname, log: logger}
}

// Start validates cfg and configures the hostname, the radio and the
// interface address in that order.
func (m *Manager) Start(ctx context.Context, cfg domain.AccessPointConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("access point config: %w", err)
	}

	if err := m.stack.SetHostname(ctx, m.hostname); err != nil {
		return fmt.Errorf("set hostname: %w", err)
	}
	if err := m.stack.StartAccessPoint(ctx, cfg.SSID, cfg.Password, cfg.Channel); err != nil {
		return fmt.Errorf("start access point: %w", err)
	}
	if err := m.stack.ConfigureAddress(ctx, cfg.Gateway, cfg.Gateway, domain.DefaultNetmask); err != nil {
		return fmt.Errorf("configure address: %w", err)
	}

	m.started = true
	m.cfg = cfg
	m.log.Info(fmt.Sprintf("Started Access Point %q", cfg.SSID), "channel", cfg.Channel, "gateway", cfg.Gateway)
	return nil
}

// Config returns the applied configuration, if any.
func (m *Manager) Config() (domain.AccessPointConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.started
}
