package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/telemetry"
)

var (
	configPath    = flag.String("config", "/etc/hive/agent.yaml", "Config file path")
	serverURL     = flag.String("server", "", "Hive server URL (overrides config)")
	enrollmentKey = flag.String("enroll", "", "Enrollment key (overrides config)")
	statePath     = flag.String("state", "", "State file path (overrides config)")
	Version       = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// CLI overrides
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollmentKey != "" {
		cfg.Server.EnrollmentKey = *enrollmentKey
	}
	if *statePath != "" {
		cfg.Agent.StatePath = *statePath
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := telemetry.NewLogger(cfg.Logging, os.Stdout).With().Str("service", "hive-agent").Logger()
	log.Logger = logger
	logger.Info().
		Str("version", Version).
		Str("server", cfg.Server.URL).
		Int("heartbeat_s", cfg.Agent.HeartbeatInterval).
		Int("poll_s", cfg.Agent.PollInterval).
		Msg("hive agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.SetupTracing(ctx, "hive-agent", Version, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	agent := newAgent(cfg, newExecutor(cfg.Actions, runtime.GOOS, logger), logger)
	if err := agent.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent stopped")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("hive agent stopped")
}
