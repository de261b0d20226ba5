package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bilancio/internal/cli"
	"bilancio/internal/config"
	"bilancio/internal/log"
)

var (
	envFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
	logger    *log.Logger

	rootCmd = &cobra.Command{
		Use:   "bilancio",
		Short: "Offline-first personal finance sync and reports",
		Long: `bilancio mirrors categories, transactions and users from the remote
finance service into a local cache, queues writes while the service is
unreachable and replays them once it is back. Reports and comparisons are
computed from the mirrored data.`,
		PersistentPreRunE: initConfig,
		SilenceUsage:      true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before reading configuration (default: .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json), overrides LOG_FORMAT")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(compareCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	if envFile != "" {
		cli.LoadEnvFile(envFile)
	} else {
		cli.LoadEnvFile()
	}

	var err error
	cfg, err = cli.LoadAndValidateConfig(func(c *config.Config) {
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		if logFormat != "" {
			c.LogFormat = logFormat
		}
	})
	if err != nil {
		return err
	}

	logger, err = cli.SetupLogger(cfg, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// openApp wires the app and probes the remote store once.
func openApp(ctx context.Context) (*cli.App, bool, error) {
	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, false, err
	}
	return app, app.Connect(ctx), nil
}

func closeApp(app *cli.App) {
	if err := app.Close(); err != nil {
		logger.Warn("Failed to close local cache", log.FieldError, err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
