// Package controlplane owns the device's single control loop. The update
// session, the reboot request and the active command connection are all
// serviced from here, one handler at a time.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/duckap/internal/accesspoint"
	"github.com/koltyakov/duckap/internal/bridge"
	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/firmware"
)

// ErrRebooting is returned by Run once the rebooter has been invoked
// successfully. The caller should exit.
var ErrRebooting = errors.New("rebooting")

const defaultTickInterval = 10 * time.Millisecond

// Resolver is the captive DNS responder as seen by the loop.
type Resolver interface {
	Start()
	PollOnce()
	Close() error
}

// Service is a background component started with the control plane, such
// as the HTTP server or the mDNS advertiser.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Closer is released when the control plane closes.
type Closer interface {
	Close()
}

// Deps wires the control plane.
type Deps struct {
	Logger      *slog.Logger
	AccessPoint *accesspoint.Manager
	// AccessPointConfig is read once at start; later settings edits apply on
	// the next start.
	AccessPointConfig func() domain.AccessPointConfig
	Resolver          Resolver
	Updater           *firmware.Updater
	Bridge            *bridge.Bridge
	Broker            Closer
	Rebooter          Rebooter
	Services          map[string]Service
	TickInterval      time.Duration
}

// ControlPlane is the single owner of loop state.
type ControlPlane struct {
	log      *slog.Logger
	ap       *accesspoint.Manager
	apConfig func() domain.AccessPointConfig
	resolver Resolver
	updater  *firmware.Updater
	bridge   *bridge.Bridge
	broker   Closer
	rebooter Rebooter
	services map[string]Service
	tick     time.Duration

	serviceErr chan error
	started    bool
}

func New(d Deps) *ControlPlane {
	tick := d.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	rebooter := d.Rebooter
	if rebooter == nil {
		rebooter = NopRebooter{Log: d.Logger}
	}
	return &ControlPlane{
		log:        d.Logger,
		ap:         d.AccessPoint,
		apConfig:   d.AccessPointConfig,
		resolver:   d.Resolver,
		updater:    d.Updater,
		bridge:     d.Bridge,
		broker:     d.Broker,
		rebooter:   rebooter,
		services:   d.Services,
		tick:       tick,
		serviceErr: make(chan error, len(d.Services)+1),
	}
}

// Start brings up the access point, then starts the DNS reader and every
// background service. An access point failure is fatal.
func (c *ControlPlane) Start(ctx context.Context) error {
	if c.started {
		return errors.New("control plane already started")
	}
	if c.ap != nil && c.apConfig != nil {
		if err := c.ap.Start(ctx, c.apConfig()); err != nil {
			return err
		}
	}
	if c.resolver != nil {
		c.resolver.Start()
	}
	for name, svc := range c.services {
		go func() {
			if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
				c.serviceErr <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	c.started = true
	c.log.Info("control plane started", "tick", c.tick, "services", len(c.services))
	return nil
}

// Tick runs one pass of the loop: service pending update work, honor a
// pending reboot, then answer at most one DNS query.
func (c *ControlPlane) Tick() error {
	if c.updater != nil {
		c.updater.Service()
		if c.updater.RebootRequested() {
			c.log.Info("rebooting after successful update")
			if err := c.rebooter.Reboot(); err != nil {
				return fmt.Errorf("reboot: %w", err)
			}
			return ErrRebooting
		}
	}
	if c.resolver != nil {
		c.resolver.PollOnce()
	}
	return nil
}

// Run drives the loop until ctx is done, a reboot fires, or a background
// service fails.
func (c *ControlPlane) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var commands <-chan bridge.Command
	if c.bridge != nil {
		commands = c.bridge.Commands()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.serviceErr:
			return err
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return err
			}
		case cmd := <-commands:
			c.bridge.Dispatch(cmd)
		}
	}
}

// Close releases loop-owned resources. Background services stop with the
// context passed to Start.
func (c *ControlPlane) Close() {
	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.broker != nil {
		c.broker.Close()
	}
	if c.updater != nil {
		c.updater.Close()
	}
	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.log.Debug("close resolver", "err", err)
		}
	}
}
