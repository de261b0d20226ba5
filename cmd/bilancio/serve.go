package main

import (
	"github.com/spf13/cobra"

	"bilancio/internal/cli"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with connectivity monitoring and queue replay",
		Long: `Start the HTTP API, the connectivity monitor and the replay loop. When
AMQP_URL is set, sync events are published and collection change notices
from the remote service refresh the local cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := cli.ShutdownContext(cmd.Context(), logger)
			defer cancel()

			app, err := cli.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(app)

			logger.Info("Starting bilancio",
				"port", cfg.Port,
				"cache_backend", cfg.CacheBackend,
				"remote", cfg.RemoteBaseURL,
				"amqp_enabled", app.Backend.Notifier != nil)
			return app.Serve(ctx)
		},
	}
}
