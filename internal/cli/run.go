package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/koltyakov/duckap/internal/accesspoint"
	"github.com/koltyakov/duckap/internal/bridge"
	"github.com/koltyakov/duckap/internal/captivedns"
	"github.com/koltyakov/duckap/internal/config"
	"github.com/koltyakov/duckap/internal/console"
	"github.com/koltyakov/duckap/internal/controlplane"
	"github.com/koltyakov/duckap/internal/debughttp"
	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/events"
	"github.com/koltyakov/duckap/internal/firmware"
	"github.com/koltyakov/duckap/internal/flash"
	ilog "github.com/koltyakov/duckap/internal/log"
	"github.com/koltyakov/duckap/internal/mdns"
	"github.com/koltyakov/duckap/internal/metrics"
	"github.com/koltyakov/duckap/internal/server"
	"github.com/koltyakov/duckap/internal/settings"
	"github.com/koltyakov/duckap/internal/store/sqlite"
)

func runDevice(ctx context.Context, args []string) int {
	loadDeviceEnvFromDotEnv(".env")

	cfg, err := config.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if err := runControlPlane(ctx, cfg, logger); err != nil {
		if errors.Is(err, controlplane.ErrRebooting) {
			return 0
		}
		logger.Error("control plane stopped", "err", err)
		return 1
	}
	return 0
}

func runControlPlane(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := settings.Open(cfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	history, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer func() { _ = history.Close() }()

	partition, err := flash.NewFilePartition(filepath.Join(cfg.DataDir, "firmware"), cfg.FlashCapacity, cfg.EraseBlock)
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}

	m := metrics.New()
	broker := events.NewBroker(logger.With("component", "events"), m)
	updater := firmware.NewUpdater(firmware.Options{
		Storage:        partition,
		ReservedMargin: cfg.ReservedMargin,
		Events:         broker,
		History:        history,
		Logger:         logger.With("component", "firmware"),
		Metrics:        m,
	})

	cons := &console.Console{
		Version:  Version,
		Settings: store,
		Storage:  partition,
		History:  history,
		Updating: updater.Busy,
		Log:      logger.With("component", "console"),
	}
	br := bridge.New(cons, logger.With("component", "bridge"), m)

	dnsConn, err := net.ListenPacket("udp4", cfg.ListenDNS)
	if err != nil {
		return fmt.Errorf("dns listen: %w", err)
	}
	resolver := captivedns.New(dnsConn, domain.DefaultGateway, logger.With("component", "dns"), m)

	srv := server.New(server.Deps{
		Addr:      cfg.ListenHTTP,
		Hostname:  cfg.Hostname,
		Gateway:   domain.DefaultGateway,
		Version:   Version,
		ChunkSize: cfg.ChunkSize,
		Logger:    logger.With("component", "http"),
		Metrics:   m,
		Updater:   updater,
		Bridge:    br,
		Events:    broker,
		History:   history,
	})

	services := map[string]controlplane.Service{
		"http": srv,
		"settings": controlplane.ServiceFunc(func(ctx context.Context) error {
			return store.Watch(ctx, logger.With("component", "settings"))
		}),
	}
	if cfg.MDNS {
		iface := cfg.Interface
		if cfg.NetworkStack == config.NetworkStackNone {
			iface = ""
		}
		adv, err := mdns.Listen(iface, mdns.Service{
			Host: cfg.Hostname,
			Port: listenPort(cfg.ListenHTTP),
			Addr: domain.DefaultGateway,
			Text: []string{"version=" + Version},
		}, logger.With("component", "mdns"))
		if err != nil {
			logger.Warn("mdns disabled", "err", err)
		} else {
			services["mdns"] = adv
		}
	}

	if cfg.PprofAddr != "" {
		if _, err := debughttp.Start(ctx, cfg.PprofAddr, logger, m.Handler()); err != nil {
			logger.Warn("debug listener disabled", "err", err)
		}
	}

	cp := controlplane.New(controlplane.Deps{
		Logger:      logger,
		AccessPoint: accesspoint.NewManager(networkStack(cfg, logger), cfg.Hostname, logger.With("component", "accesspoint")),
		AccessPointConfig: func() domain.AccessPointConfig {
			return store.Get().AccessPoint(domain.DefaultGateway)
		},
		Resolver:     resolver,
		Updater:      updater,
		Bridge:       br,
		Broker:       broker,
		Rebooter:     rebooter(cfg, partition, logger),
		Services:     services,
		TickInterval: cfg.TickInterval,
	})
	defer cp.Close()

	if err := cp.Start(ctx); err != nil {
		return err
	}
	return cp.Run(ctx)
}

func networkStack(cfg config.Config, logger *slog.Logger) accesspoint.NetworkStack {
	if cfg.NetworkStack == config.NetworkStackNone {
		return accesspoint.NopStack{Log: logger}
	}
	return &accesspoint.HostapdStack{
		Interface: cfg.Interface,
		ConfDir:   cfg.DataDir,
		Run:       accesspoint.ExecRunner,
	}
}

func rebooter(cfg config.Config, partition *flash.FilePartition, logger *slog.Logger) controlplane.Rebooter {
	switch cfg.RebootMode {
	case config.RebootModeSystem:
		return controlplane.SystemRebooter{Log: logger}
	case config.RebootModeNone:
		return controlplane.NopRebooter{Log: logger}
	default:
		return controlplane.ExecRebooter{Image: partition.ImagePath(), Log: logger}
	}
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 {
		return 80
	}
	return n
}
