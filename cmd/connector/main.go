// Command connector is the device gateway: it accepts WebSocket
// connections from timing and attendance stations, keeps them updated
// over the air, and bridges their competition traffic onto the back-end
// Unix socket.
//
// Configuration is taken from the environment:
//
//	FIRMWARE_DIR   Directory of firmware images (required; created 0777 if absent)
//	SOCKET_PATH    Back-end Unix socket path (default /tmp/socket.sock)
//	PORT           WebSocket listen port (default 8080)
//	DEV            Presence selects the dev firmware channel
//	NO_TLS         Presence advertises ws:// instead of wss://
//	NO_MDNS        Presence disables mDNS advertisement
//	DEVICE_LOGS    Directory for per-device log files (default /tmp/fkm-logs)
//	PROTOCOL_LOG   Optional CBOR protocol event log file
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fkm-protocol/connector-go/internal/watcher"
	"github.com/fkm-protocol/connector-go/pkg/backend"
	"github.com/fkm-protocol/connector-go/pkg/discovery"
	"github.com/fkm-protocol/connector-go/pkg/firmware"
	mclog "github.com/fkm-protocol/connector-go/pkg/log"
	"github.com/fkm-protocol/connector-go/pkg/ota"
	"github.com/fkm-protocol/connector-go/pkg/service"
	"github.com/fkm-protocol/connector-go/pkg/state"
)

type config struct {
	firmwareDir string
	socketPath  string
	port        int
	devMode     bool
	noTLS       bool
	noMDNS      bool
	deviceLogs  string
	protocolLog string
}

func loadConfig() (config, error) {
	cfg := config{
		socketPath: envOrDefault("SOCKET_PATH", "/tmp/socket.sock"),
		deviceLogs: envOrDefault("DEVICE_LOGS", "/tmp/fkm-logs"),
	}

	cfg.firmwareDir = os.Getenv("FIRMWARE_DIR")
	if cfg.firmwareDir == "" {
		return cfg, fmt.Errorf("FIRMWARE_DIR not set")
	}

	port, err := strconv.Atoi(envOrDefault("PORT", "8080"))
	if err != nil {
		return cfg, fmt.Errorf("bad PORT: %w", err)
	}
	cfg.port = port

	_, cfg.devMode = os.LookupEnv("DEV")
	_, cfg.noTLS = os.LookupEnv("NO_TLS")
	_, cfg.noMDNS = os.LookupEnv("NO_MDNS")
	cfg.protocolLog = os.Getenv("PROTOCOL_LOG")

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("connector failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := os.Stat(cfg.firmwareDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.firmwareDir, 0o777); err != nil {
			return fmt.Errorf("create firmware dir: %w", err)
		}
		// Release tooling and the back-end push images here under other
		// uids; keep the original wide-open mode.
		if err := os.Chmod(cfg.firmwareDir, 0o777); err != nil {
			return fmt.Errorf("chmod firmware dir: %w", err)
		}
	}

	devlog, err := mclog.NewDeviceLogSink(cfg.deviceLogs)
	if err != nil {
		return fmt.Errorf("open device log sink: %w", err)
	}
	defer devlog.Close()

	var protocol mclog.Logger = mclog.NoopLogger{}
	if cfg.protocolLog != "" {
		fileLogger, err := mclog.NewFileLogger(cfg.protocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fileLogger.Close()
		protocol = fileLogger
	}

	appState := state.New(cfg.devMode, logger)
	registry := firmware.NewRegistry(cfg.firmwareDir, cfg.devMode, logger)

	client := backend.New(backend.Config{
		Path:    cfg.socketPath,
		Handler: service.NewEventHandler(appState, logger),
		Logger:  logger,
	})
	go client.Run(ctx)

	buildWatcher := watcher.New(cfg.firmwareDir, appState, logger)
	go buildWatcher.Run(ctx)

	if !cfg.noMDNS {
		advertiser, err := discovery.Advertise(discovery.Config{
			Port:   cfg.port,
			Secure: !cfg.noTLS,
		})
		if err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	server := service.NewServer(service.SessionConfig{
		State:    appState,
		Backend:  client,
		Registry: registry,
		Streamer: ota.NewStreamer(ota.Config{}, logger),
		DevLog:   devlog,
		Logger:   logger,
		Protocol: protocol,
	})

	logger.Info("connector starting",
		"port", cfg.port,
		"socket", cfg.socketPath,
		"firmware_dir", cfg.firmwareDir,
		"dev_mode", cfg.devMode)

	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.port))
}
