// dogbot-bridge: standalone actuator bridge for the DogBot quadruped.
// Opens the motor controller link, holds every joint at its current
// position and serves joint state and targets over HTTP.
//
// Exit codes: 0 after an orderly shutdown, 1 when the link cannot be opened
// or fails, 2 on a configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-dogbot/internal/config"
	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/bridge"
	"github.com/teslashibe/go-dogbot/pkg/link"
	"github.com/teslashibe/go-dogbot/pkg/sim"
	"github.com/teslashibe/go-dogbot/pkg/web"
)

const version = "0.3.0"

// Exit codes.
const (
	exitOK     = 0
	exitLink   = 1
	exitConfig = 2
)

var (
	configPath = flag.String("config", "configs/dogbot.yaml", "Path to the bridge configuration")
	device     = flag.String("device", "", "Serial device (overrides the configuration)")
	useSim     = flag.Bool("sim", false, "Drive a simulated controller bus instead of a device")
	httpAddr   = flag.String("http", "", "Telemetry listen address, \"off\" to disable (overrides the configuration)")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	rate       = flag.Float64("rate", 0, "Host loop rate in Hz (overrides the configuration)")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	log.Init(*logLevel)
	logger := log.Component("main")
	logger.Info("dogbot-bridge starting", "version", version)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("configuration rejected", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBridge(cfg)
	if err != nil {
		if errors.Is(err, link.ErrLinkOpen) {
			logger.Error("cannot open link", "device", cfg.DevicePath, "error", err)
			return exitLink
		}
		logger.Error("cannot build bridge", "error", err)
		return exitConfig
	}

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	if cfg.HTTPAddr != "" {
		srv := web.NewServer(web.Config{Addr: cfg.HTTPAddr, Logger: slog.Default()}, b)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("telemetry server stopped", "error", err)
			}
		}()
	}

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-runErr:
		if err != nil {
			logger.Error("bridge failed", "error", err)
			code = exitLink
		}
	}

	if err := b.Close(); err != nil {
		logger.Warn("close", "error", err)
	}
	c := b.Counters()
	logger.Info("goodbye",
		"frames", c.Frames,
		"framing_errors", c.FramingErrors,
		"crc_errors", c.CRCErrors,
		"tx_frames", c.TxFrames,
		"dropped_demands", c.DroppedDemands)
	return code
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *device != "" {
		cfg.DevicePath = *device
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTPAddr = ""
	default:
		cfg.HTTPAddr = *httpAddr
	}
	if *rate != 0 {
		cfg.LoopRate = *rate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openBridge(cfg *config.Config) (*bridge.Bridge, error) {
	opts := []bridge.Option{bridge.WithLogger(slog.Default())}
	if !*useSim {
		return bridge.Open(cfg, opts...)
	}
	dev := sim.FromConfig(cfg, slog.Default())
	b, err := bridge.New(cfg, dev.Port(), opts...)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("simulated bus: %w", err)
	}
	return b, nil
}
