package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/dlpgate/internal/config"
	"github.com/piwi3910/dlpgate/internal/metrics"
	"github.com/piwi3910/dlpgate/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type options struct {
	configPath string
	dataDir    string
	logLevel   string
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "dlpgate",
		Short:         "dlpgate - DLP upload gateway",
		Long:          `dlpgate inspects uploaded files for sensitive data, blocks risky uploads and stores accepted files encrypted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Data directory path (default ./data)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "API port (default 5000)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath, config.Options{
		DataDir:  opts.dataDir,
		LogLevel: opts.logLevel,
		Port:     opts.port,
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.Log)

	metrics.Version = version

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("data_dir", cfg.DataDir).
		Msg("Starting dlpgate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("dlpgate shutdown complete")

	return nil
}

// setupLogging configures the global zerolog logger. The level was
// validated by config.Load.
func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
