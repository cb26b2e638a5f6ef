package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/health"
	"github.com/opszero/hive/pkg/reconciler"
	"github.com/opszero/hive/pkg/store"
	"github.com/opszero/hive/pkg/telemetry"
)

var (
	configPath string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hive-server",
		Short: "Hive - device fleet liveness and remote command dispatch",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/hive/server.yaml", "Config file path")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.ServerConfig, zerolog.Logger, error) {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger := telemetry.NewLogger(cfg.Logging, os.Stdout).With().Str("service", "hive-server").Logger()
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and reconcilers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info().Str("version", Version).Msg("hive server starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tracer, err := telemetry.SetupTracing(ctx, "hive-server", Version, cfg.Tracing, logger)
			if err != nil {
				return err
			}
			defer func() { _ = tracer.Shutdown(context.Background()) }()

			provider, metricsHandler, shutdownMetrics, err := telemetry.InitMetrics()
			if err != nil {
				return err
			}
			defer func() { _ = shutdownMetrics(context.Background()) }()
			instruments, err := telemetry.NewInstruments(provider)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := dispatch.New(st, dispatch.Options{
				DefaultTimeout:  cfg.DefaultCommandTimeout(),
				MinTimeout:      cfg.MinCommandTimeout(),
				MaxTimeout:      cfg.MaxCommandTimeout(),
				MinAgentVersion: cfg.MinAgentVersion(),
				Hasher:          auth.NewKeyHasher([]byte(cfg.Enrollment.KeySalt)),
				Logger:          logger,
				Instruments:     instruments,
			})

			set := reconciler.NewSet(st, cfg.LivenessInterval(), cfg.OfflineThreshold(), cfg.CommandSweepInterval(), reconciler.Options{
				Logger:      logger,
				Instruments: instruments,
			})
			checker := health.NewChecker(st, nil, set.Liveness, set.CommandTimeout)

			gin.SetMode(gin.ReleaseMode)
			srv := newServer(cfg, svc, checker, set, metricsHandler, logger)
			return srv.run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hive-server %s\n", Version)
		},
	}
}
