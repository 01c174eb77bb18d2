package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"DeskChat/internal/config"
	"DeskChat/internal/engine"
	"DeskChat/internal/telemetry"
)

func main() {
	var configPath string
	var serverURL string
	var sessionID string
	var debug bool

	flag.StringVar(&configPath, "config", "deskchat.toml", "Path to TOML config file")
	flag.StringVar(&serverURL, "server", "", "Backend base URL (overrides config file)")
	flag.StringVar(&sessionID, "session-id", "", "Open an existing session by ID")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if sessionID != "" {
		cfg.SessionID = sessionID
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Finalize(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	eng, err := engine.New(cfg, logger, tracer, meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	if cfg.SessionID != "" {
		if err := eng.SelectSession(ctx, cfg.SessionID); err != nil {
			logger.Warn("failed to open session, starting fresh", "session_id", cfg.SessionID, "error", err)
			fmt.Fprintf(os.Stderr, "Could not open session %s: %v\n", cfg.SessionID, err)
		}
	}

	if err := eng.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
